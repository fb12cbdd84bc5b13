package api

import (
	_ "embed"
	"net/http"
	"sync"

	yaml "gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPIYAML []byte

var (
	openAPIOnce sync.Once
	openAPIDoc  map[string]any
	openAPIErr  error
)

func openAPI() (map[string]any, error) {
	openAPIOnce.Do(func() {
		openAPIErr = yaml.Unmarshal(openAPIYAML, &openAPIDoc)
	})
	return openAPIDoc, openAPIErr
}

// OpenAPIHandler serves the API description as JSON.
func (s *Server) OpenAPIHandler(w http.ResponseWriter, r *http.Request) {
	doc, err := openAPI()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "OpenAPI parse failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
