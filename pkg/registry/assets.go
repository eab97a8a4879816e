package registry

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ddm-j/quasar-sub001/pkg/httpapi"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

// assetUpdateResult reports one provider's sweep outcome. Stats and Error
// are mutually exclusive.
type assetUpdateResult struct {
	ClassName string            `json:"class_name"`
	ClassType string            `json:"class_type"`
	Stats     *store.AssetStats `json:"stats,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// handleUpdateAssets fetches the provider's symbol listing from the
// collector and upserts it into the assets table. Collector problem
// statuses (404 unknown provider, 501 no listing support) pass through.
func (s *Server) handleUpdateAssets(w http.ResponseWriter, r *http.Request) {
	classType := r.PathValue("class_type")
	className := r.PathValue("class_name")
	if !store.KnownClassType(classType) {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
			"unknown class type "+classType)
		return
	}

	symbols, err := s.collector.AvailableSymbols(r.Context(), className)
	if err != nil {
		s.writeUpstream(w, r, err)
		return
	}

	stats, err := s.store.UpsertAssets(r.Context(), className, classType, symbols)
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}

	s.log.Info("assets updated", "class_name", className,
		"added", stats.Added, "updated", stats.Updated, "failed", stats.Failed)
	httpapi.WriteJSON(w, http.StatusOK, assetUpdateResult{
		ClassName: className,
		ClassType: classType,
		Stats:     &stats,
	})
}

// handleUpdateAllAssets sweeps every provider registration. Per-provider
// failures are reported in the result rows, never fatal to the sweep.
func (s *Server) handleUpdateAllAssets(w http.ResponseWriter, r *http.Request) {
	regs, err := s.store.ListRegistrations(r.Context())
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}

	results := []assetUpdateResult{}
	for _, reg := range regs {
		if reg.ClassType != store.ClassTypeProvider {
			continue
		}
		res := assetUpdateResult{ClassName: reg.ClassName, ClassType: reg.ClassType}

		symbols, err := s.collector.AvailableSymbols(r.Context(), reg.ClassName)
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		stats, err := s.store.UpsertAssets(r.Context(), reg.ClassName, reg.ClassType, symbols)
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		res.Stats = &stats
		results = append(results, res)
	}

	httpapi.WriteJSON(w, http.StatusOK, results)
}

// handleClassSummary returns registrations joined with their asset counts.
func (s *Server) handleClassSummary(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ClassSummaries(r.Context())
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}
	if summaries == nil {
		summaries = []store.ClassSummary{}
	}
	httpapi.WriteJSON(w, http.StatusOK, summaries)
}

func mappingKey(r *http.Request) (commonSymbol, className, classType, classSymbol string) {
	return r.PathValue("common_symbol"), r.PathValue("class_name"),
		r.PathValue("class_type"), r.PathValue("class_symbol")
}

func (s *Server) handleMappingCreate(w http.ResponseWriter, r *http.Request) {
	var m store.AssetMapping
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
			"body must be an asset mapping object")
		return
	}
	if m.CommonSymbol == "" || m.ClassName == "" || m.ClassType == "" || m.ClassSymbol == "" {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
			"common_symbol, class_name, class_type and class_symbol are required")
		return
	}

	if err := s.store.CreateAssetMapping(r.Context(), m); err != nil {
		if errors.Is(err, store.ErrExists) {
			httpapi.WriteConflict(w, "mapping already exists")
			return
		}
		httpapi.WriteInternal(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMappingList(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.store.ListAssetMappings(r.Context())
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}
	if mappings == nil {
		mappings = []store.AssetMapping{}
	}
	httpapi.WriteJSON(w, http.StatusOK, mappings)
}

func (s *Server) handleMappingGet(w http.ResponseWriter, r *http.Request) {
	commonSymbol, className, classType, classSymbol := mappingKey(r)
	m, err := s.store.GetAssetMapping(r.Context(), commonSymbol, className, classType, classSymbol)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no such mapping")
		return
	}
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, m)
}

func (s *Server) handleMappingUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IsActive bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
			"body must carry an is_active flag")
		return
	}

	commonSymbol, className, classType, classSymbol := mappingKey(r)
	m := store.AssetMapping{
		CommonSymbol: commonSymbol,
		ClassName:    className,
		ClassType:    classType,
		ClassSymbol:  classSymbol,
		IsActive:     body.IsActive,
	}
	if err := s.store.UpdateAssetMapping(r.Context(), m); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpapi.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no such mapping")
			return
		}
		httpapi.WriteInternal(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, m)
}

func (s *Server) handleMappingDelete(w http.ResponseWriter, r *http.Request) {
	commonSymbol, className, classType, classSymbol := mappingKey(r)
	if err := s.store.DeleteAssetMapping(r.Context(), commonSymbol, className, classType, classSymbol); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpapi.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no such mapping")
			return
		}
		httpapi.WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
