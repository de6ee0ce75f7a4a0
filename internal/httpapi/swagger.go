//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/swaggo/swag"

	httpSwagger "github.com/swaggo/http-swagger"
)

// apiDoc is served when no generated docs package registered itself first.
// `swag init -g cmd/pocketd/docs.go` produces the full document.
type apiDoc struct{}

func (apiDoc) ReadDoc() string {
	return `{
  "swagger": "2.0",
  "info": {"title": "pocketd API", "version": "1.0"},
  "basePath": "/",
  "paths": {}
}`
}

func init() {
	if _, err := swag.ReadDoc(); err != nil {
		swag.Register(swag.Name, apiDoc{})
	}
}

// MountSwagger serves the Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.WrapHandler)
}
