package dispatch

import "testing"

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars map[string]string
		want string
	}{
		{
			name: "single variable",
			tmpl: "Hello {{name}}!",
			vars: map[string]string{"name": "Ana"},
			want: "Hello Ana!",
		},
		{
			name: "multiple variables",
			tmpl: "{{greeting}}, {{name}}. Your code is {{code}}.",
			vars: map[string]string{"greeting": "Hi", "name": "Bo", "code": "1234"},
			want: "Hi, Bo. Your code is 1234.",
		},
		{
			name: "unknown token left verbatim",
			tmpl: "Hello {{nmae}}!",
			vars: map[string]string{"name": "Ana"},
			want: "Hello {{nmae}}!",
		},
		{
			name: "whitespace inside token",
			tmpl: "Hello {{ name }}!",
			vars: map[string]string{"name": "Ana"},
			want: "Hello Ana!",
		},
		{
			name: "no variables",
			tmpl: "Hello {{name}}!",
			vars: nil,
			want: "Hello {{name}}!",
		},
		{
			name: "no tokens",
			tmpl: "Plain text",
			vars: map[string]string{"name": "Ana"},
			want: "Plain text",
		},
		{
			name: "unterminated token",
			tmpl: "Hello {{name",
			vars: map[string]string{"name": "Ana"},
			want: "Hello {{name",
		},
		{
			name: "repeated token",
			tmpl: "{{name}} and {{name}}",
			vars: map[string]string{"name": "Ana"},
			want: "Ana and Ana",
		},
		{
			name: "empty template",
			tmpl: "",
			vars: map[string]string{"name": "Ana"},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.tmpl, tt.vars); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}
