package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/genjob/internal/jobstore"
)

func DecodeJobCursor(cursorStr string) (*jobstore.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.SplitN(string(decoded), "|", 2)
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var submittedAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &submittedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid submitted_at in cursor: %w", err)
	}

	return &jobstore.Cursor{
		SubmittedAt: time.Unix(0, submittedAt).UTC(),
		JobID:       decodedParts[1],
	}, nil
}

func EncodeJobCursor(cursor *jobstore.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.SubmittedAt.UnixNano(), cursor.JobID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
