package executor

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cuongbtq/genjob/internal/domain"
)

//go:embed templates/*.json
var builtinTemplates embed.FS

// Node is one node of a backend workflow graph.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      *NodeMeta      `json:"_meta,omitempty"`
}

type NodeMeta struct {
	Title string `json:"title"`
}

// Workflow is a node graph keyed by node id, as submitted to the backend.
type Workflow map[string]Node

// Target addresses an input on every node whose title or class type is Node.
type Target struct {
	Node  string
	Input string
}

// Mapping routes abstract parameter names onto workflow inputs.
type Mapping map[string][]Target

// DefaultMapping covers the parameters the adapter produces.
var DefaultMapping = Mapping{
	"prompt":          {{"positive_prompt", "text"}},
	"negative_prompt": {{"negative_prompt", "text"}},
	"width": {
		{"EmptyLatentImage", "width"},
		{"EmptyMochiLatentVideo", "width"},
		{"SVD_img2vid_Conditioning", "width"},
	},
	"height": {
		{"EmptyLatentImage", "height"},
		{"EmptyMochiLatentVideo", "height"},
		{"SVD_img2vid_Conditioning", "height"},
	},
	"batch_size":   {{"EmptyLatentImage", "batch_size"}},
	"seed":         {{"KSampler", "seed"}},
	"steps":        {{"KSampler", "steps"}},
	"cfg_scale":    {{"KSampler", "cfg"}},
	"scheduler":    {{"KSampler", "scheduler"}},
	"sampler_name": {{"KSampler", "sampler_name"}},
	"denoise":      {{"KSampler", "denoise"}},
	"num_frames": {
		{"SVD_img2vid_Conditioning", "video_frames"},
		{"EmptyMochiLatentVideo", "length"},
	},
	"fps": {
		{"VHS_VideoCombine", "frame_rate"},
		{"SVD_img2vid_Conditioning", "fps"},
	},
	"motion_bucket_id": {{"SVD_img2vid_Conditioning", "motion_bucket_id"}},
	"polygon_count":    {{"mesh_generator", "target_faces"}},
	"checkpoint": {
		{"CheckpointLoaderSimple", "ckpt_name"},
		{"ImageOnlyCheckpointLoader", "ckpt_name"},
	},
	"source_image": {{"source_image", "image"}},
}

// Template is a named workflow graph. It is never mutated after loading.
type Template struct {
	Name  string
	Graph Workflow
}

// Render deep-copies the graph and substitutes params through mapping.
// Parameters without a mapping, or whose targets are absent, are ignored.
func (t *Template) Render(params map[string]any, mapping Mapping) Workflow {
	wf := make(Workflow, len(t.Graph))
	for id, node := range t.Graph {
		wf[id] = Node{
			ClassType: node.ClassType,
			Inputs:    deepCopy(node.Inputs).(map[string]any),
			Meta:      cloneMeta(node.Meta),
		}
	}

	ids := slices.Sorted(maps.Keys(wf))
	for _, name := range slices.Sorted(maps.Keys(params)) {
		value := params[name]
		if value == nil {
			continue
		}
		for _, target := range mapping[name] {
			for _, id := range ids {
				node := wf[id]
				if !matches(node, target.Node) {
					continue
				}
				if _, ok := node.Inputs[target.Input]; ok {
					node.Inputs[target.Input] = value
				}
			}
		}
	}
	return wf
}

func matches(node Node, identifier string) bool {
	if node.ClassType == identifier {
		return true
	}
	return node.Meta != nil && node.Meta.Title == identifier
}

func cloneMeta(m *NodeMeta) *NodeMeta {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return t
	}
}

// Registry holds workflow templates by name.
type Registry struct {
	templates map[string]*Template
}

// NewRegistry loads the built-in templates, then any *.json files in
// overrideDir, which replace built-ins of the same name.
func NewRegistry(overrideDir string) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template)}

	builtin, err := fs.Sub(builtinTemplates, "templates")
	if err != nil {
		return nil, err
	}
	if err := r.loadFS(builtin); err != nil {
		return nil, err
	}

	if overrideDir != "" {
		if _, err := os.Stat(overrideDir); err != nil {
			return nil, fmt.Errorf("templates dir %s: %w", overrideDir, err)
		}
		if err := r.loadFS(os.DirFS(overrideDir)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) loadFS(fsys fs.FS) error {
	files, err := fs.Glob(fsys, "*.json")
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}
	for _, file := range files {
		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", file, err)
		}
		var graph Workflow
		if err := json.Unmarshal(data, &graph); err != nil {
			return fmt.Errorf("failed to parse template %s: %w", file, err)
		}
		name := strings.TrimSuffix(filepath.Base(file), ".json")
		r.Register(&Template{Name: name, Graph: graph})
	}
	return nil
}

func (r *Registry) Register(t *Template) {
	r.templates[t.Name] = t
}

func (r *Registry) Get(name string) (*Template, error) {
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, name)
	}
	return t, nil
}

// Names lists registered template names in order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.templates))
}

// TemplateName picks the workflow variant for a job kind. A source image
// selects the image-conditioned variant.
func TemplateName(kind domain.Kind, hasSourceImage bool) string {
	mode := "text"
	if hasSourceImage {
		mode = "image"
	}
	switch kind {
	case domain.KindImage:
		return "image_" + mode + "_to_image"
	case domain.KindVideo:
		return "video_" + mode + "_to_video"
	case domain.KindModel3D:
		return "model_3d_" + mode + "_to_model"
	}
	return string(kind)
}
