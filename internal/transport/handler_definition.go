package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/hazen/internal/definition"
	"github.com/pitabwire/hazen/model"
)

func handleDefinitionGet(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def := registry.Current()
		if def == nil {
			WriteNotFound(w, "no workflow definition loaded")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"definition": def,
			"checksum":   registry.Checksum(),
		})
	}
}

// handleDefinitionUpdate validates the submitted definition, persists it with
// a bumped version, and swaps it into the registry. Admin only; in-flight
// cases stay pinned to the version they started on.
func handleDefinitionUpdate(registry *definition.Registry, loader *definition.Loader) http.HandlerFunc {
	validator := definition.NewValidator()

	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		if !rctx.IsAdmin() {
			WriteForbidden(w, "workflow definition changes require admin access")
			return
		}

		var def model.WorkflowDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		if verrs := validator.Validate(def); len(verrs) > 0 {
			details := make([]model.FieldError, 0, len(verrs))
			for _, ve := range verrs {
				details = append(details, model.FieldError{
					Field:   ve.Path,
					Code:    ve.Code,
					Message: ve.Message,
				})
			}
			WriteValidationError(w, details)
			return
		}

		saved, err := loader.Save(def, rctx.SubjectID)
		if err != nil {
			WriteError(w, model.NewPersistenceError("saving workflow definition failed"))
			return
		}
		registry.Replace(saved)

		WriteJSON(w, http.StatusOK, map[string]any{
			"definition": saved,
			"checksum":   registry.Checksum(),
		})
	}
}
