package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// RecipeFileName is the canonical recipe file name inside a package
// directory.
const RecipeFileName = "recipe.cue"

// recipeSchema is the CUE definition every recipe file must satisfy.
const recipeSchema = `
#Recipe: {
	// name and version follow the reference naming rules.
	name:    string & =~"^[A-Za-z0-9_][A-Za-z0-9_+.\\-]{1,50}$"
	version: string & =~"^[A-Za-z0-9_][A-Za-z0-9_+.\\-]{1,50}$"

	user?:    string & =~"^[A-Za-z0-9_][A-Za-z0-9_+.\\-]{1,50}$"
	channel?: string & =~"^[A-Za-z0-9_][A-Za-z0-9_+.\\-]{1,50}$"

	description?: string
	license?:     string
	homepage?:    string

	// Functional slots this package fills.
	provides?: [...string]

	// Global settings axes that affect this package's binary.
	settings?: [...string]

	// Option domains. values is a list of allowed values or the string
	// "ANY" for a wildcard domain.
	options?: [string]: {
		values:   [...(string | bool | number | null)] | "ANY"
		default?: string | bool | number | null
	}

	requires?:         [...string]
	toolRequires?:     [...string]
	privateRequires?:  [...string]
	optionalRequires?: [...string]
	overrides?:        [...string]

	alwaysRebuild?: bool

	// Shell command lines per lifecycle stage, for the script driver.
	scripts?: {
		source?:  string
		build?:   string
		package?: string
	}

	// Path of the Starlark hook file, relative to the recipe file.
	hooks?: string
}
`

// Parser parses and validates recipe files.
type Parser struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewParser creates a recipe parser with the built-in schema compiled.
func NewParser() *Parser {
	ctx := cuecontext.New()
	schema := ctx.CompileString(recipeSchema).LookupPath(cue.ParsePath("#Recipe"))
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("built-in recipe schema is invalid: %v", err))
	}
	return &Parser{
		ctx:      ctx,
		schema:   schema,
		validate: validator.New(),
	}
}

// ParseFile parses one recipe file.
func (p *Parser) ParseFile(path string) (*Recipe, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe %s: %w", path, err)
	}
	r, err := p.ParseBytes(content, path)
	if err != nil {
		return nil, err
	}
	r.Dir = filepath.Dir(path)
	return r, nil
}

// ParseBytes parses recipe source held in memory. filename is used for
// error positions only.
func (p *Parser) ParseBytes(content []byte, filename string) (*Recipe, error) {
	val := p.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &ParseError{Source: filename, Findings: convertCUEErrors(err)}
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &ParseError{Source: filename, Findings: convertCUEErrors(err)}
	}

	var r Recipe
	if err := unified.Decode(&r); err != nil {
		return nil, &ParseError{Source: filename, Findings: convertCUEErrors(err)}
	}

	if err := p.validate.Struct(&r); err != nil {
		return nil, fmt.Errorf("recipe %s: %w", filename, err)
	}

	// Surface malformed requirement expressions at parse time rather than
	// in the middle of graph expansion.
	if _, err := r.DeclaredRequirements(); err != nil {
		return nil, err
	}
	if _, err := r.DeclaredOverrides(); err != nil {
		return nil, err
	}
	return &r, nil
}

// convertCUEErrors flattens a CUE error into positioned findings.
func convertCUEErrors(err error) []ValidationError {
	var findings []ValidationError
	for _, e := range cueerrors.Errors(err) {
		var file string
		var line, column int
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		findings = append(findings, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: e.Error(),
		})
	}
	if len(findings) == 0 {
		findings = append(findings, ValidationError{Message: err.Error()})
	}
	return findings
}
