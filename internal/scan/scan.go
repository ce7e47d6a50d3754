// Package scan checks generated skill sources before they reach review.
package scan

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"strconv"
	"strings"

	"skillgate/internal/domain"
)

type Result struct {
	Pass     bool     `json:"pass"`
	Findings []string `json:"findings"`
}

type Scanner interface {
	Scan(ctx context.Context, a domain.Artifact, source []byte) (Result, error)
}

// GoScanner rejects Go sources that import or call anything on its deny
// lists. Calls are written as "pkg.Func" (import path, then function) or as a
// bare builtin name.
type GoScanner struct {
	ForbiddenImports []string
	ForbiddenCalls   []string
}

func (s GoScanner) Scan(ctx context.Context, a domain.Artifact, source []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	name := a.Path
	if name == "" {
		name = "skill.go"
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name, source, parser.ParseComments)
	if err != nil {
		return Result{Findings: []string{fmt.Sprintf("syntax error: %v", err)}}, nil
	}

	var findings []string
	add := func(pos token.Pos, format string, args ...any) {
		findings = append(findings, fmt.Sprintf("%s (line %d)", fmt.Sprintf(format, args...), fset.Position(pos).Line))
	}

	// local name -> import path
	imported := map[string]string{}
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		if p == "C" {
			add(imp.Pos(), "cgo is not allowed")
			continue
		}
		if s.forbiddenImport(p) {
			add(imp.Pos(), "forbidden import %q", p)
		}
		local := path.Base(p)
		if imp.Name != nil {
			local = imp.Name.Name
		}
		imported[local] = p
	}

	for _, cg := range file.Comments {
		for _, c := range cg.List {
			if strings.HasPrefix(c.Text, "//go:linkname") || strings.HasPrefix(c.Text, "//go:cgo_") {
				add(c.Pos(), "compiler directive %s is not allowed", strings.Fields(c.Text)[0])
			}
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch fn := call.Fun.(type) {
		case *ast.Ident:
			if s.forbiddenCall(fn.Name) {
				add(call.Pos(), "forbidden call %s", fn.Name)
			}
		case *ast.SelectorExpr:
			x, ok := fn.X.(*ast.Ident)
			if !ok {
				return true
			}
			if p, ok := imported[x.Name]; ok && s.forbiddenCall(p+"."+fn.Sel.Name) {
				add(call.Pos(), "forbidden call %s.%s", p, fn.Sel.Name)
			}
		}
		return true
	})

	return Result{Pass: len(findings) == 0, Findings: findings}, nil
}

func (s GoScanner) forbiddenImport(p string) bool {
	for _, f := range s.ForbiddenImports {
		if p == f || strings.HasPrefix(p, f+"/") {
			return true
		}
	}
	return false
}

func (s GoScanner) forbiddenCall(name string) bool {
	for _, f := range s.ForbiddenCalls {
		if name == f {
			return true
		}
	}
	return false
}
