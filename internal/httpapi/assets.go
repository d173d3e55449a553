package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"photopipe/internal/api"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/metadata"
	"photopipe/internal/services"
)

const (
	maxUploadBytes  = 256 << 20
	uploadFormField = "file"
	sniffBytes      = 512
)

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	assets, err := s.deps.Store.ListAssets(r.Context(), project.ID)
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"assets": assets})
}

// handleUploadAsset stores a multipart upload as a new asset's original.
// Optional form fields: user_id, user_context, declared_authorship.
func (s *Server) handleUploadAsset(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		s.writeProblem(w, r, &services.Problem{Kind: services.KindValidation, Message: "expected a multipart upload", Err: err})
		return
	}

	fields := map[string]string{}
	var asset *jobstore.Asset
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeProblem(w, r, uploadError(err))
			return
		}
		if part.FormName() != uploadFormField {
			value, _ := io.ReadAll(io.LimitReader(part, 4096))
			fields[part.FormName()] = strings.TrimSpace(string(value))
			_ = part.Close()
			continue
		}
		if asset != nil {
			_ = part.Close()
			s.writeProblem(w, r, services.NewProblem(services.KindValidation, "one file per upload"))
			return
		}
		stored, err := s.storeUpload(r, project, part.FileName(), part)
		_ = part.Close()
		if err != nil {
			s.writeProblem(w, r, err)
			return
		}
		asset = &stored
	}
	if asset == nil {
		s.writeProblem(w, r, services.NewProblem(services.KindValidation, "missing %q file field", uploadFormField))
		return
	}

	asset.UserID = firstNonEmpty(fields["user_id"], project.UserID)
	asset.UserContext = fields["user_context"]
	if declared := fields["declared_authorship"]; declared != "" {
		status := metadata.AuthorshipStatus(declared)
		if !status.Valid() {
			_ = os.Remove(asset.OriginalPath)
			s.writeProblem(w, r, services.NewProblem(services.KindValidation, "unknown declared_authorship %q", declared))
			return
		}
		asset.DeclaredAuthorship = status
	}

	created, err := s.deps.Store.CreateAsset(r.Context(), *asset)
	if err != nil {
		_ = os.Remove(asset.OriginalPath)
		s.writeProblem(w, r, err)
		return
	}
	ctx := services.WithAssetID(r.Context(), created.ID)
	logging.WithContext(ctx, s.logger).Info("asset uploaded",
		logging.String(logging.FieldProjectID, project.ID),
		logging.String("filename", created.Filename),
		logging.Int64("size_bytes", created.SizeBytes),
		logging.String(logging.FieldEventType, "asset_uploaded"),
	)
	s.writeJSON(w, http.StatusCreated, created)
}

// storeUpload streams src to the uploads directory, hashing as it goes. The
// asset id is chosen here so the file name never collides.
func (s *Server) storeUpload(r *http.Request, project *jobstore.Project, filename string, src io.Reader) (jobstore.Asset, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return jobstore.Asset{}, services.NewProblem(services.KindValidation, "upload has no file name")
	}

	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return jobstore.Asset{}, uploadError(err)
	}
	head = head[:n]
	if n == 0 {
		return jobstore.Asset{}, services.NewProblem(services.KindValidation, "upload %s is empty", filename)
	}
	mimeType := http.DetectContentType(head)
	if !strings.HasPrefix(mimeType, "image/") {
		return jobstore.Asset{}, services.NewProblem(services.KindValidation, "upload %s is %s, not an image", filename, mimeType)
	}

	id := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	dir := filepath.Join(s.deps.Config.UploadsDir(), project.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return jobstore.Asset{}, services.Wrap(services.ErrConfiguration, "upload", "create uploads dir", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return jobstore.Asset{}, services.Wrap(services.ErrTransient, "upload", "create temp file", dir, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hash), io.MultiReader(bytes.NewReader(head), src))
	if err != nil {
		return jobstore.Asset{}, uploadError(err)
	}
	if err := tmp.Close(); err != nil {
		return jobstore.Asset{}, services.Wrap(services.ErrTransient, "upload", "close temp file", tmpPath, err)
	}
	finalPath := filepath.Join(dir, id+ext)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return jobstore.Asset{}, services.Wrap(services.ErrTransient, "upload", "rename upload", finalPath, err)
	}
	committed = true

	return jobstore.Asset{
		ID:           id,
		ProjectID:    project.ID,
		Filename:     filename,
		MIMEType:     mimeType,
		ContentHash:  "sha256:" + hex.EncodeToString(hash.Sum(nil)),
		SizeBytes:    written,
		OriginalPath: finalPath,
	}, nil
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return services.NewProblem(services.KindLimitExceeded, "uploads are limited to %d bytes", tooLarge.Limit)
	}
	return &services.Problem{Kind: services.KindValidation, Message: "upload could not be read", Err: err}
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.loadAsset(w, r)
	if !ok {
		return
	}
	jobs, err := s.deps.Store.ListJobsForAsset(r.Context(), asset.ID)
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.AssetResponse{Asset: asset, Jobs: jobs})
}

func (s *Server) loadAsset(w http.ResponseWriter, r *http.Request) (*jobstore.Asset, bool) {
	id := chi.URLParam(r, "assetID")
	asset, err := s.deps.Store.GetAsset(r.Context(), id)
	if err != nil {
		s.writeProblem(w, r, err)
		return nil, false
	}
	if asset == nil {
		s.writeProblem(w, r, services.NewProblem(services.KindNotFound, "asset %s not found", id))
		return nil, false
	}
	return asset, true
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.loadAsset(w, r)
	if !ok {
		return
	}
	events, err := s.deps.Store.ListAudit(r.Context(), asset.ID)
	if err != nil {
		s.writeProblem(w, r, err)
		return
	}
	if events == nil {
		events = []jobstore.AuditEvent{}
	}
	s.writeJSON(w, http.StatusOK, api.AuditResponse{AssetID: asset.ID, Events: events})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
