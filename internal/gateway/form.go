// ABOUTME: Credential form pages for api_key tools, rendered from embedded templates
// ABOUTME: Each form is bound to a single-use state token naming the user it was issued for

package gateway

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/2389/toolbroker/internal/tools"
)

//go:embed templates/*.html
var templateFS embed.FS

type formField struct {
	Name   string
	Label  string
	Secret bool
}

type formData struct {
	Title       string
	Tool        string
	DisplayName string
	State       string
	Fields      []formField
	EitherOr    bool
	Error       string
}

// formFields lists the inputs shown for a tool's auth type.
func formFields(authType tools.AuthType) []formField {
	switch authType {
	case tools.AuthAPIKeyOrCredentials:
		return []formField{
			{Name: "api_key", Label: "API key", Secret: true},
			{Name: "username", Label: "Username"},
			{Name: "password", Label: "Password", Secret: true},
		}
	case tools.AuthOAuth2, tools.AuthManual:
		return []formField{{Name: "access_token", Label: "Access token", Secret: true}}
	default:
		return []formField{{Name: "api_key", Label: "API key", Secret: true}}
	}
}

func (g *Gateway) handleFormPage(w http.ResponseWriter, r *http.Request) {
	tool, err := g.registry.Get(r.PathValue("tool"))
	if err != nil {
		g.sendEngineError(w, err)
		return
	}
	state := r.URL.Query().Get("state")
	if state == "" {
		g.renderForm(w, http.StatusBadRequest, tool, "", linkInvalidMsg)
		return
	}
	g.renderForm(w, http.StatusOK, tool, state, "")
}

const linkInvalidMsg = "This link is invalid, expired or already used. Start the connection again from your app."

func (g *Gateway) handleFormSubmit(w http.ResponseWriter, r *http.Request) {
	tool, err := g.registry.Get(r.PathValue("tool"))
	if err != nil {
		g.sendEngineError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		g.renderForm(w, http.StatusBadRequest, tool, "", "Could not read the form.")
		return
	}

	state := r.PostForm.Get("state")
	fields := make(map[string]string)
	for _, f := range formFields(tool.Descriptor.AuthType) {
		if v := r.PostForm.Get(f.Name); v != "" {
			fields[f.Name] = v
		}
	}

	if _, err := g.engine.SubmitCredentialForm(r.Context(), tool.Name(), state, fields); err != nil {
		status, code := classifyError(err)
		switch {
		case state == "" || code == "state_not_found" || code == "expired" || code == "already_consumed":
			g.renderForm(w, status, tool, "", linkInvalidMsg)
		case status == http.StatusBadRequest:
			g.renderForm(w, status, tool, state, "Please fill in the required fields.")
		default:
			g.renderForm(w, status, tool, "", "Could not save credentials.")
		}
		return
	}

	g.render(w, http.StatusOK, "templates/form_done.html", formData{
		Title:       "Connected",
		Tool:        tool.Name(),
		DisplayName: tool.Descriptor.DisplayName,
	})
}

func (g *Gateway) renderForm(w http.ResponseWriter, status int, tool *tools.Tool, state, errorMsg string) {
	data := formData{
		Title:       "Connect " + tool.Descriptor.DisplayName,
		Tool:        tool.Name(),
		DisplayName: tool.Descriptor.DisplayName,
		State:       state,
		EitherOr:    tool.Descriptor.AuthType == tools.AuthAPIKeyOrCredentials,
		Error:       errorMsg,
	}
	// Without a state there is nothing to submit
	if state != "" {
		data.Fields = formFields(tool.Descriptor.AuthType)
	}
	g.render(w, status, "templates/form.html", data)
}

func (g *Gateway) render(w http.ResponseWriter, status int, page string, data formData) {
	tmpl := template.Must(template.ParseFS(templateFS, "templates/base.html", page))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		g.logger.Error("failed to render page", "page", page, "error", err)
	}
}
