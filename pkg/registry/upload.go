package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ddm-j/quasar-sub001/pkg/httpapi"
	"github.com/ddm-j/quasar-sub001/pkg/interservice"
	"github.com/ddm-j/quasar-sub001/pkg/prefs"
	"github.com/ddm-j/quasar-sub001/pkg/store"
)

const (
	// artifactExt is the only accepted upload extension; the collector
	// additionally sniffs the module header before instantiating.
	artifactExt = ".wasm"

	maxUploadBytes  = 128 << 20
	multipartMemory = 32 << 20
)

type uploadResponse struct {
	ClassName    string `json:"class_name"`
	ClassType    string `json:"class_type"`
	ClassSubtype string `json:"class_subtype"`
	FileHash     string `json:"file_hash"`
}

// handleUpload registers a provider artifact: the upload is streamed to a
// uniquely named file under the allow-list root while its SHA-256 is
// computed, the secrets payload is sealed under that hash, and the artifact
// is dry-run validated by the collector before the registration row is
// written. Any failure past the write removes the file again.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	classType := r.PathValue("class_type")
	if !store.KnownClassType(classType) {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
			"unknown class type "+classType)
		return
	}

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		httpapi.WriteErrorR(w, r, http.StatusUnsupportedMediaType, "Unsupported Media Type",
			"upload requires multipart/form-data")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
			"malformed multipart request: "+err.Error())
		return
	}

	className := r.FormValue("class_name")
	if className == "" {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
			"class_name form field is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "file part is missing")
		return
	}
	defer func() { _ = file.Close() }()

	if !strings.EqualFold(filepath.Ext(header.Filename), artifactExt) {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
			"artifact must be a "+artifactExt+" module")
		return
	}
	if header.Size == 0 {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "uploaded file is empty")
		return
	}

	// Parse the secrets field before anything touches disk.
	var secretsMap map[string]string
	if raw := r.FormValue("secrets"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &secretsMap); err != nil {
			httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
				"secrets field must be a JSON object of string values")
			return
		}
	}

	dstPath := filepath.Join(s.root, uuid.New().String()+artifactExt)
	sum, err := s.writeArtifact(dstPath, file)
	if err != nil {
		s.log.Error("artifact write failed", "path", dstPath, "error", err)
		httpapi.WriteInternal(w, err)
		return
	}
	discard := func() {
		if err := os.Remove(dstPath); err != nil {
			s.log.Warn("orphaned artifact left behind", "path", dstPath, "error", err)
		}
	}

	var nonce, ciphertext []byte
	if len(secretsMap) > 0 {
		payload, err := json.Marshal(secretsMap)
		if err != nil {
			discard()
			httpapi.WriteInternal(w, err)
			return
		}
		nonce, ciphertext, err = s.sec.Encrypt(sum, payload)
		if err != nil {
			discard()
			httpapi.WriteInternal(w, err)
			return
		}
	}

	resp, err := s.collector.ValidateProvider(r.Context(), interservice.ValidateRequest{
		ClassName: className,
		ClassType: classType,
		FilePath:  dstPath,
		FileHash:  sum,
	})
	if err != nil {
		discard()
		s.log.Warn("artifact validation failed", "class_name", className, "error", err)
		s.writeUpstream(w, r, err)
		return
	}
	if !resp.Valid {
		discard()
		httpapi.WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity",
			"collector rejected the artifact")
		return
	}

	canon, err := prefs.Canonical(prefs.Defaults(prefs.ForSubtype(resp.ClassSubtype)))
	if err != nil {
		discard()
		httpapi.WriteInternal(w, err)
		return
	}

	prev, err := s.store.GetRegistration(r.Context(), className, classType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		discard()
		httpapi.WriteInternal(w, err)
		return
	}

	reg := &store.Registration{
		ClassName:    className,
		ClassType:    classType,
		ClassSubtype: resp.ClassSubtype,
		FilePath:     dstPath,
		FileHash:     sum,
		Nonce:        nonce,
		Ciphertext:   ciphertext,
		Preferences:  canon,
		UploadedAt:   time.Now().UTC(),
	}
	if err := s.store.UpsertRegistration(r.Context(), reg); err != nil {
		discard()
		httpapi.WriteInternal(w, err)
		return
	}

	// The replaced artifact, if any, is unreferenced now.
	if prev != nil && prev.FilePath != dstPath {
		s.removeArtifact(prev.FilePath)
	}

	s.log.Info("artifact registered",
		"class_name", className, "class_type", classType,
		"class_subtype", resp.ClassSubtype, "file_hash", sum)
	httpapi.WriteJSON(w, http.StatusOK, uploadResponse{
		ClassName:    className,
		ClassType:    classType,
		ClassSubtype: resp.ClassSubtype,
		FileHash:     sum,
	})
}

// writeArtifact streams src to path, returning the hex SHA-256 of the
// written bytes. The file is created exclusively so a colliding name fails
// rather than overwriting.
func (s *Server) writeArtifact(path string, src io.Reader) (string, error) {
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(dst, h), src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// removeArtifact deletes an artifact file, refusing paths outside the
// allow-list root. Failures are logged; callers treat removal as advisory.
func (s *Server) removeArtifact(path string) bool {
	if path == "" {
		return true
	}
	if !s.confined(path) {
		s.log.Warn("refusing to remove artifact outside root", "path", path)
		return false
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("artifact removal failed", "path", path, "error", err)
		return false
	}
	return true
}

// handleDelete removes the registration row, then its artifact. Row removal
// is the committing step; a failed file removal afterwards reports partial
// success.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	classType := r.PathValue("class_type")
	className := r.PathValue("class_name")
	if !store.KnownClassType(classType) {
		httpapi.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request",
			"unknown class type "+classType)
		return
	}

	filePath, err := s.store.DeleteRegistration(r.Context(), className, classType)
	if errors.Is(err, store.ErrNotFound) {
		httpapi.WriteErrorR(w, r, http.StatusNotFound, "Not Found",
			"no registration for "+classType+"/"+className)
		return
	}
	if err != nil {
		httpapi.WriteInternal(w, err)
		return
	}

	if !s.removeArtifact(filePath) {
		httpapi.WriteJSON(w, http.StatusMultiStatus, map[string]string{
			"status":     "partial",
			"class_name": className,
			"class_type": classType,
			"detail":     "registration deleted but artifact removal failed",
		})
		return
	}

	s.log.Info("registration deleted", "class_name", className, "class_type", classType)
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{
		"status":     "deleted",
		"class_name": className,
		"class_type": classType,
	})
}
