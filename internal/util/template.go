package util

import (
	"strconv"
	"strings"
)

// RenderTemplate does simple {var} replacement.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// RenderPositional replaces {{1}}, {{2}}, ... with params in order.
func RenderPositional(body string, params []string) string {
	out := body
	for i, p := range params {
		out = strings.ReplaceAll(out, "{{"+strconv.Itoa(i+1)+"}}", p)
	}
	return out
}
