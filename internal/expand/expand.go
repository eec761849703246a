// Package expand turns queued prompt text into the text actually forwarded:
// named template wrappers, the answer wrapper, and {{variable}} substitution.
package expand

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/courier/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// Request id patterns, tried in order.
var requestIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"requestId"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`\brequestId=([A-Za-z0-9_.:\-]+)`),
	regexp.MustCompile(`(?i)\bRequest ID:\s*([A-Za-z0-9_.:\-]+)`),
}

// Expander is safe for concurrent use.
type Expander struct {
	mu            sync.RWMutex
	templates     map[string]string
	answerWrapper string
	variables     map[string]string
	answerFile    string

	now          func() time.Time
	newRequestID func() string
}

func New(cfg model.TemplateConfig, answerFile string) *Expander {
	e := &Expander{
		templates:     make(map[string]string),
		answerWrapper: cfg.AnswerWrapper,
		variables:     make(map[string]string),
		answerFile:    answerFile,
		now:           time.Now,
		newRequestID:  uuid.NewString,
	}
	if e.answerWrapper == "" {
		e.answerWrapper = model.DefaultAnswerWrapper
	}
	for k, v := range cfg.Templates {
		e.templates[k] = v
	}
	for k, v := range cfg.Variables {
		e.variables[k] = v
	}
	return e
}

// SetClock overrides the clock used for the date/time builtins (for testing).
func (e *Expander) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// SetRequestIDGenerator overrides request id generation (for testing).
func (e *Expander) SetRequestIDGenerator(f func() string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.newRequestID = f
}

func (e *Expander) SetVariable(name, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.variables[name] = value
}

func (e *Expander) HasTemplate(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[name]
	return ok
}

// Wrap applies the named template around text. Unknown names, empty names and
// timer dedup tags leave text untouched.
func (e *Expander) Wrap(templateName, text string) string {
	if templateName == "" || strings.HasPrefix(templateName, model.TimedTemplatePrefix) {
		return text
	}
	e.mu.RLock()
	tpl, ok := e.templates[templateName]
	e.mu.RUnlock()
	if !ok {
		return text
	}
	return fillPrompt(tpl, text)
}

// Expand produces the dispatch text. Each call with answerWrapper set mints a
// fresh request id.
func (e *Expander) Expand(text, templateName string, answerWrapper bool) string {
	out := e.Wrap(templateName, text)

	e.mu.RLock()
	wrapper := e.answerWrapper
	answerFile := e.answerFile
	gen := e.newRequestID
	e.mu.RUnlock()

	extra := map[string]string{}
	if answerWrapper {
		out = fillPrompt(wrapper, out)
		extra["requestId"] = gen()
		extra["answerFile"] = answerFile
	}
	return e.substitute(out, extra)
}

func (e *Expander) substitute(text string, extra map[string]string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := e.now()
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := extra[name]; ok {
			return v
		}
		if v, ok := e.variables[name]; ok {
			return v
		}
		switch name {
		case "date":
			return now.Format("2006-01-02")
		case "time":
			return now.Format("15:04")
		case "datetime":
			return now.Format(time.RFC3339)
		}
		return m
	})
}

func fillPrompt(tpl, text string) string {
	if !strings.Contains(tpl, "{{prompt}}") {
		return tpl + "\n\n" + text
	}
	return strings.ReplaceAll(tpl, "{{prompt}}", text)
}

// ExtractRequestID finds the request id embedded in expanded text, or "".
func ExtractRequestID(text string) string {
	for _, re := range requestIDPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// Render substitutes {{name}} tokens from values only; unknown tokens are kept.
func Render(text string, values map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := values[name]; ok {
			return v
		}
		return m
	})
}
