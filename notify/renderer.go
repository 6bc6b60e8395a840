package notify

import (
	"bytes"
	"embed"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/template/django/v3"
	auth "github.com/goliatone/go-auth-lifecycle"
	goerrors "github.com/goliatone/go-errors"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Template kinds
const (
	KindVerification = "verification"
	KindWelcome      = "welcome"
)

// Message is a rendered email
type Message struct {
	Kind     string `json:"kind"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTML     string `json:"html"`
	Language string `json:"language"`
}

// Renderer turns notices into HTML emails using django templates. A
// template named kind.lang wins over the plain kind template.
type Renderer struct {
	engine   *django.Engine
	subjects map[string]string
}

// RendererOption customizes the renderer
type RendererOption func(*Renderer)

// WithTemplates replaces the embedded templates. Files are looked up as
// <kind>.html and <kind>.<lang>.html at the root of fsys.
func WithTemplates(fsys fs.FS) RendererOption {
	return func(r *Renderer) {
		if fsys != nil {
			r.engine = django.NewFileSystem(http.FS(fsys), ".html")
		}
	}
}

// WithSubject overrides the subject line of kind
func WithSubject(kind, subject string) RendererOption {
	return func(r *Renderer) {
		r.subjects[kind] = subject
	}
}

// NewRenderer loads the templates and fails when they do not parse.
func NewRenderer(opts ...RendererOption) (*Renderer, error) {
	sub, err := fs.Sub(templatesFS, "templates")
	if err != nil {
		return nil, err
	}

	r := &Renderer{
		engine: django.NewFileSystem(http.FS(sub), ".html"),
		subjects: map[string]string{
			KindVerification: "Verify your email address",
			KindWelcome:      "Welcome aboard",
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if err := r.engine.Load(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load email templates")
	}

	return r, nil
}

// Verification renders the verification email for notice
func (r *Renderer) Verification(notice auth.VerificationNotice) (*Message, error) {
	return r.render(KindVerification, notice.Email, notice.Language, map[string]any{
		"first_name": notice.FirstName,
		"last_name":  notice.LastName,
		"token":      notice.Token,
		"link":       notice.Link,
		"expires_at": notice.ExpiresAt.UTC().Format(time.RFC1123),
	})
}

// Welcome renders the welcome email for notice
func (r *Renderer) Welcome(notice auth.WelcomeNotice) (*Message, error) {
	return r.render(KindWelcome, notice.Email, notice.Language, map[string]any{
		"first_name": notice.FirstName,
		"last_name":  notice.LastName,
	})
}

func (r *Renderer) render(kind, to, language string, binding map[string]any) (*Message, error) {
	if language == "" {
		language = auth.DefaultLanguage
	}
	binding["language"] = language

	var lastErr error
	for _, name := range templateNames(kind, language) {
		var buf bytes.Buffer
		if err := r.engine.Render(&buf, name, binding); err != nil {
			lastErr = err
			continue
		}
		return &Message{
			Kind:     kind,
			To:       to,
			Subject:  r.subjects[kind],
			HTML:     buf.String(),
			Language: language,
		}, nil
	}

	return nil, goerrors.Wrap(lastErr, goerrors.CategoryInternal, "failed to render "+kind+" email")
}

// templateNames lists candidates from most to least specific: es-mx, es, plain
func templateNames(kind, language string) []string {
	lang := strings.ToLower(strings.TrimSpace(language))
	names := make([]string, 0, 3)
	if lang != "" {
		names = append(names, kind+"."+lang)
		if i := strings.IndexAny(lang, "-_"); i > 0 {
			names = append(names, kind+"."+lang[:i])
		}
	}
	return append(names, kind)
}
