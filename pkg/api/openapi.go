package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// openAPIDocument is the hand-authored OpenAPI 3 description of the
// routes registered in Router (spec.md §6.3). It is validated once at
// first use via kin-openapi so a malformed edit to this literal fails
// loudly instead of silently serving broken tooling metadata.
const openAPIDocument = `{
  "openapi": "3.0.3",
  "info": {
    "title": "FlakeGuard API",
    "version": "1.0.0"
  },
  "paths": {
    "/health": {
      "get": {
        "summary": "Liveness probe",
        "responses": { "200": { "description": "service is up" } }
      }
    },
    "/repositories": {
      "get": {
        "summary": "List tracked repositories",
        "parameters": [
          { "name": "limit", "in": "query", "schema": { "type": "integer" } },
          { "name": "offset", "in": "query", "schema": { "type": "integer" } },
          { "name": "search", "in": "query", "schema": { "type": "string" } }
        ],
        "responses": { "200": { "description": "repository page" } }
      }
    },
    "/repositories/{id}": {
      "get": {
        "summary": "Fetch a repository by id",
        "parameters": [
          { "name": "id", "in": "path", "required": true, "schema": { "type": "string", "format": "uuid" } }
        ],
        "responses": {
          "200": { "description": "repository" },
          "404": { "description": "repository not found" }
        }
      }
    },
    "/v1/quarantine/plan": {
      "post": {
        "summary": "Compute the current quarantine plan for a repository",
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": {
                "type": "object",
                "required": ["repositoryId"],
                "properties": {
                  "repositoryId": { "type": "string", "format": "uuid" },
                  "policy": { "type": "string" },
                  "lookbackDays": { "type": "integer" },
                  "includeAnnotations": { "type": "boolean" }
                }
              }
            }
          }
        },
        "responses": { "200": { "description": "quarantine plan entries" } }
      }
    },
    "/v1/quarantine/policy": {
      "get": {
        "summary": "Current default policy thresholds",
        "responses": { "200": { "description": "policy config" } }
      }
    },
    "/tasks": {
      "get": {
        "summary": "List background jobs",
        "parameters": [
          { "name": "limit", "in": "query", "schema": { "type": "integer" } },
          { "name": "offset", "in": "query", "schema": { "type": "integer" } },
          { "name": "type", "in": "query", "schema": { "type": "string" } },
          { "name": "status", "in": "query", "schema": { "type": "string" } }
        ],
        "responses": { "200": { "description": "job page" } }
      }
    },
    "/webhook": {
      "post": {
        "summary": "GitHub Actions webhook intake",
        "responses": { "202": { "description": "accepted" } }
      }
    }
  }
}`

var (
	openAPIOnce sync.Once
	openAPIErr  error
)

func validateOpenAPIDocument() error {
	openAPIOnce.Do(func() {
		loader := openapi3.NewLoader()
		doc, err := loader.LoadFromData([]byte(openAPIDocument))
		if err != nil {
			openAPIErr = err
			return
		}
		openAPIErr = doc.Validate(context.Background())
	})
	return openAPIErr
}

// serveOpenAPIDocument serves the validated document as-is; a document
// that fails validation is a build-time authoring bug, surfaced as a
// 500 rather than papered over.
func serveOpenAPIDocument(w http.ResponseWriter, r *http.Request) {
	if err := validateOpenAPIDocument(); err != nil {
		http.Error(w, "invalid openapi document: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openAPIDocument))
}
