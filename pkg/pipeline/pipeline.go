// Package pipeline is a catalog of pipeline templates.
//
// A template is referred as "repository[:tag]" (tag defaults to "latest"),
// like container images. In a catalog directory, a template "otel/filter:v2" is a file
//
//	DIR/otel/filter/v2.yaml
//
// Templates are go text/template with sprig functions. They are rendered with
//
//	.Vars          overrides of the variant
//	.Variant       "baseline" or "candidate"
//	.ExperimentId  id of the experiment
//
// Referring a missing variable is an error, and the rendered text should be a YAML mapping.
package pipeline

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opst/pipelab/pkg/domain"
	domerr "github.com/opst/pipelab/pkg/domain/errors"
	"gopkg.in/yaml.v3"
)

const templateExt = ".yaml"

// Ref is a reference of a template.
type Ref struct {
	Repository string
	Tag        string
}

func (r Ref) String() string {
	return r.Repository + ":" + r.Tag
}

// ParseRef parses "repository[:tag]".
func ParseRef(s string) (Ref, error) {
	if s == "" {
		return Ref{}, domerr.NewErrInvalidConfig("templateRef", "should not be empty")
	}
	tag, err := name.NewTag(s, name.WithDefaultRegistry(""))
	if err != nil {
		return Ref{}, domerr.NewErrInvalidConfig("templateRef", err.Error())
	}
	return Ref{Repository: tag.Repository.Name(), Tag: tag.TagStr()}, nil
}

// Catalog provides templates.
type Catalog interface {
	// Render renders the template referred by spec.
	//
	// Returns
	//
	// - string: rendered pipeline configuration.
	//
	// - error: wraps ErrInvalidConfig when the reference is invalid or unknown,
	// or the template cannot be rendered with the overrides.
	Render(spec domain.VariantSpec, variant domain.Variant, experimentId string) (string, error)
}

type catalog struct {
	templates map[Ref]*template.Template
}

// New builds a Catalog from template sources, keyed by references.
func New(sources map[string]string) (Catalog, error) {
	c := &catalog{templates: map[Ref]*template.Template{}}
	for r, src := range sources {
		ref, err := ParseRef(r)
		if err != nil {
			return nil, err
		}
		tpl, err := parse(ref, src)
		if err != nil {
			return nil, err
		}
		c.templates[ref] = tpl
	}
	return c, nil
}

// Load builds a Catalog from a directory.
func Load(dir string) (Catalog, error) {
	sources := map[string]string{}
	root := os.DirFS(dir)
	err := fs.WalkDir(root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != templateExt {
			return nil
		}
		b, err := fs.ReadFile(root, p)
		if err != nil {
			return err
		}
		repo, file := path.Split(p)
		ref := strings.TrimSuffix(repo, "/") + ":" + strings.TrimSuffix(file, templateExt)
		sources[ref] = string(b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading templates from %s: %w", filepath.Clean(dir), err)
	}
	return New(sources)
}

func parse(ref Ref, src string) (*template.Template, error) {
	tpl, err := template.New(ref.String()).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(src)
	if err != nil {
		return nil, domerr.NewErrInvalidConfig("template "+ref.String(), err.Error())
	}
	return tpl, nil
}

func (c *catalog) Render(spec domain.VariantSpec, variant domain.Variant, experimentId string) (string, error) {
	ref, err := ParseRef(spec.TemplateRef)
	if err != nil {
		return "", err
	}

	tpl, ok := c.templates[ref]
	if !ok {
		return "", domerr.NewErrInvalidConfig("templateRef", fmt.Sprintf("%s is not found", ref))
	}

	vars := map[string]string{}
	for k, v := range spec.Overrides {
		vars[k] = v
	}

	buf := new(bytes.Buffer)
	if err := tpl.Execute(buf, map[string]any{
		"Vars":         vars,
		"Variant":      variant.String(),
		"ExperimentId": experimentId,
	}); err != nil {
		return "", domerr.NewErrInvalidConfig("template "+ref.String(), err.Error())
	}

	rendered := buf.String()
	var doc map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		return "", domerr.NewErrInvalidConfig(
			"template "+ref.String(), "rendered pipeline is not YAML: "+err.Error(),
		)
	}
	if len(doc) == 0 {
		return "", domerr.NewErrInvalidConfig("template "+ref.String(), "rendered pipeline is empty")
	}
	return rendered, nil
}
