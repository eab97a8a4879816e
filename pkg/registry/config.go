package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/ddm-j/quasar-sub001/pkg/httpapi"
	"github.com/ddm-j/quasar-sub001/pkg/prefs"
	"github.com/ddm-j/quasar-sub001/pkg/secrets"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

// handleConfigSchema returns the JSON Schema view of the class's preference
// declaration, derived from its registered subtype.
func (s *Server) handleConfigSchema(w http.ResponseWriter, r *http.Request) {
	className, classType, ok := classKey(w, r)
	if !ok {
		return
	}

	reg, err := s.store.GetRegistration(r.Context(), className, classType)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.WriteErrorR(w, r, http.StatusNotFound, "Not Found",
			"no registration for "+classType+"/"+className)
		return
	}
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, prefs.JSONSchema(prefs.ForSubtype(reg.ClassSubtype)))
}

// handleConfigUpdate validates a preference patch against the subtype's
// schema, merges it over the stored document and persists the canonical
// form. All validation problems are reported in one response.
func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	className, classType, ok := classKey(w, r)
	if !ok {
		return
	}

	reg, err := s.store.GetRegistration(r.Context(), className, classType)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.WriteErrorR(w, r, http.StatusNotFound, "Not Found",
			"no registration for "+classType+"/"+className)
		return
	}
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}

	var patch map[string]map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
			"preference patch must be a JSON object of categories")
		return
	}

	generic := make(map[string]any, len(patch))
	for cat, fields := range patch {
		generic[cat] = fields
	}
	if err := s.validator.Validate(reg.ClassSubtype, generic); err != nil {
		var ve *prefs.ValidationError
		if errors.As(err, &ve) {
			httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
				strings.Join(ve.Problems, "; "))
			return
		}
		httpapi.WriteInternal(w, err)
		return
	}

	var current map[string]map[string]any
	if len(reg.Preferences) > 0 {
		if err := json.Unmarshal(reg.Preferences, &current); err != nil {
			httpapi.WriteInternal(w, err)
			return
		}
	}

	canon, err := prefs.Canonical(prefs.Merge(current, patch))
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}
	if err := s.store.UpdatePreferences(r.Context(), className, classType, canon); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpapi.WriteErrorR(w, r, http.StatusNotFound, "Not Found",
				"no registration for "+classType+"/"+className)
			return
		}
		httpapi.WriteInternal(w, err)
		return
	}

	s.log.Info("preferences updated", "class_name", className, "class_type", classType)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(canon)
}

// handleSecretKeys opens the credential envelope and returns the top-level
// key names. Values never leave this handler.
func (s *Server) handleSecretKeys(w http.ResponseWriter, r *http.Request) {
	className, classType, ok := classKey(w, r)
	if !ok {
		return
	}

	reg, err := s.store.GetRegistration(r.Context(), className, classType)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.WriteErrorR(w, r, http.StatusNotFound, "Not Found",
			"no registration for "+classType+"/"+className)
		return
	}
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}

	keys := []string{}
	if len(reg.Ciphertext) > 0 {
		plaintext, err := s.sec.Decrypt(reg.FileHash, reg.Nonce, reg.Ciphertext)
		if err != nil {
			if errors.Is(err, secrets.ErrIntegrity) {
				httpapi.WriteErrorR(w, r, http.StatusInternalServerError, "Integrity Failure",
					"stored credential envelope failed authentication")
				return
			}
			httpapi.WriteInternal(w, err)
			return
		}
		var m map[string]string
		if err := json.Unmarshal(plaintext, &m); err != nil {
			httpapi.WriteInternal(w, err)
			return
		}
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	httpapi.WriteJSON(w, http.StatusOK, keys)
}

// handleSecretsUpdate reseals the credential envelope with a fresh nonce
// and asks the collector to drop its cached instance so the next load picks
// up the new credentials. The unload is advisory: the row update alone
// decides the response.
func (s *Server) handleSecretsUpdate(w http.ResponseWriter, r *http.Request) {
	className, classType, ok := classKey(w, r)
	if !ok {
		return
	}

	var req struct {
		Secrets map[string]string `json:"secrets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
			"body must be a JSON object with a secrets map")
		return
	}
	if len(req.Secrets) == 0 {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "no secrets provided")
		return
	}

	reg, err := s.store.GetRegistration(r.Context(), className, classType)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.WriteErrorR(w, r, http.StatusNotFound, "Not Found",
			"no registration for "+classType+"/"+className)
		return
	}
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}

	payload, err := json.Marshal(req.Secrets)
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}
	nonce, ciphertext, err := s.sec.Encrypt(reg.FileHash, payload)
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}
	if err := s.store.UpdateCredentials(r.Context(), className, classType, nonce, ciphertext); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpapi.WriteErrorR(w, r, http.StatusNotFound, "Not Found",
				"no registration for "+classType+"/"+className)
			return
		}
		httpapi.WriteInternal(w, err)
		return
	}

	if classType == store.ClassTypeProvider {
		if err := s.collector.UnloadProvider(r.Context(), className); err != nil {
			s.log.Warn("provider unload after credential rotation failed",
				"class_name", className, "error", err)
		}
	}

	s.log.Info("credentials rotated", "class_name", className, "class_type", classType,
		"keys", len(req.Secrets))
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "updated",
		"keys":   len(req.Secrets),
	})
}
