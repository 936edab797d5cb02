package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"filevault/internal/auth"
	"filevault/internal/domain"
	"filevault/internal/service"
)

const (
	// Размер формы, который держится в памяти, остальное уходит во временные файлы
	multipartMemory = 32 << 20
	// Запас сверх предельного размера содержимого на поля формы и заголовки частей
	uploadFormOverhead = 1 << 20
)

type FileHandler struct {
	engine  *service.FileVersionService
	gcGrace time.Duration
	log     *zap.SugaredLogger
}

// UploadResponse ответ на загрузку новой версии
type UploadResponse struct {
	Key         domain.FileKey `json:"key"`
	Version     int64          `json:"version"`
	SizeBytes   int64          `json:"size_bytes"`
	ContentHash string         `json:"content_hash"`
}

// MetadataUpdateRequest тело запросов на обновление метаданных
type MetadataUpdateRequest struct {
	Owner           string          `json:"owner"`
	Project         string          `json:"project"`
	Type            string          `json:"type"`
	Name            string          `json:"name"`
	Version         *int64          `json:"version,omitempty"`
	UpdatedMetadata domain.Document `json:"updatedMetadata"`
}

type errorResponse struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind"`
}

func NewFileHandler(engine *service.FileVersionService, gcGrace time.Duration, log *zap.SugaredLogger) *FileHandler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &FileHandler{
		engine:  engine,
		gcGrace: gcGrace,
		log:     log,
	}
}

// UploadFile принимает multipart-форму: поле file и поля ключа
func (h *FileHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	// Слишком большое тело обрываем еще при разборе формы
	if limit := h.engine.MaxUploadSize(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+uploadFormOverhead)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				Kind:  domain.KindInvalidArgument,
			})
			return
		}
		writeError(w, fmt.Errorf("%w: failed to parse form: %v", domain.ErrInvalidArgument, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	owner, ok := resolveOwner(w, id, r.FormValue("owner"))
	if !ok {
		return
	}

	key := domain.FileKey{
		Owner:   owner,
		Project: r.FormValue("project"),
		Type:    r.FormValue("type"),
		Name:    r.FormValue("name"),
	}

	req := domain.UploadRequest{Key: key}

	if v := r.FormValue("version"); v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil || version <= 0 {
			writeError(w, fmt.Errorf("%w: invalid version %q", domain.ErrInvalidArgument, v))
			return
		}
		req.Version = version
	}

	if _, present := r.MultipartForm.Value["description"]; present {
		description := r.FormValue("description")
		req.Description = &description
	}

	if raw := r.FormValue("metadata"); raw != "" {
		var metadata domain.Document
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			writeError(w, fmt.Errorf("%w: invalid metadata: %v", domain.ErrInvalidArgument, err))
			return
		}
		req.Metadata = metadata
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: file is required", domain.ErrInvalidArgument))
		return
	}
	defer file.Close()
	req.Content = file

	v, err := h.engine.Upload(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, UploadResponse{
		Key:         v.Key(),
		Version:     v.Version,
		SizeBytes:   v.SizeBytes,
		ContentHash: v.ContentHash,
	})
}

// DownloadFile отдает содержимое версии потоком
func (h *FileHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	key, ok := fileKey(w, r, id)
	if !ok {
		return
	}

	selector, ok := versionSelector(w, r)
	if !ok {
		return
	}

	body, v, err := h.engine.Download(r.Context(), key, selector)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()

	// Подготавливаем имя файла для Content-Disposition
	encodedFileName := url.QueryEscape(v.Name)
	asciiName := strings.ReplaceAll(v.Name, `"`, `\"`)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, asciiName, encodedFileName))
	w.Header().Set("Content-Length", strconv.FormatInt(v.SizeBytes, 10))
	w.Header().Set("X-File-Version", strconv.FormatInt(v.Version, 10))
	w.Header().Set("X-Content-SHA256", v.ContentHash)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	if _, err := io.Copy(w, body); err != nil {
		// Заголовки уже отправлены, остается только оборвать ответ
		h.log.Errorw("download interrupted",
			"key", key.String(),
			"version", v.Version,
			"kind", domain.KindOf(err),
			"error", err,
		)
	}
}

// GetFileInfo без version возвращает все версии файла
func (h *FileHandler) GetFileInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	key, ok := fileKey(w, r, id)
	if !ok {
		return
	}

	// без версии или с -1 отдаем все версии
	if raw := r.URL.Query().Get("version"); raw == "" || raw == "-1" {
		versions, err := h.engine.GetInfo(r.Context(), key)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, versions)
		return
	}

	selector, ok := versionSelector(w, r)
	if !ok {
		return
	}

	v, err := h.engine.GetInfoByVersion(r.Context(), key, selector)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *FileHandler) GetProjectInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	owner, ok := resolveOwner(w, id, r.URL.Query().Get("owner"))
	if !ok {
		return
	}

	versions, err := h.engine.GetInfoByProject(r.Context(), owner, r.URL.Query().Get("project"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *FileHandler) GetOwnerInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	owner, ok := resolveOwner(w, id, r.URL.Query().Get("owner"))
	if !ok {
		return
	}

	versions, err := h.engine.GetAllInfo(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// UpdateFileMetadata сливает updatedMetadata с метаданными версии
func (h *FileHandler) UpdateFileMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	req, ok := decodeMetadataRequest(w, r)
	if !ok {
		return
	}

	owner, ok := resolveOwner(w, id, req.Owner)
	if !ok {
		return
	}

	selector := domain.LatestVersion
	if req.Version != nil {
		selector = *req.Version
	}

	key := domain.FileKey{Owner: owner, Project: req.Project, Type: req.Type, Name: req.Name}
	if err := h.engine.UpdateMetadata(r.Context(), key, selector, req.UpdatedMetadata); err != nil {
		writeError(w, err)
		return
	}

	v, err := h.engine.GetInfoByVersion(r.Context(), key, selector)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *FileHandler) UpdateProjectMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	req, ok := decodeMetadataRequest(w, r)
	if !ok {
		return
	}

	owner, ok := resolveOwner(w, id, req.Owner)
	if !ok {
		return
	}

	result, err := h.engine.UpdateMetadataByProject(r.Context(), owner, req.Project, req.UpdatedMetadata)
	writeBulk(w, result, err)
}

func (h *FileHandler) UpdateOwnerMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	req, ok := decodeMetadataRequest(w, r)
	if !ok {
		return
	}

	owner, ok := resolveOwner(w, id, req.Owner)
	if !ok {
		return
	}

	result, err := h.engine.UpdateMetadataForOwner(r.Context(), owner, req.UpdatedMetadata)
	writeBulk(w, result, err)
}

// DeleteFile удаляет одну версию. Без version и с all=true удаляются все версии файла
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	key, ok := fileKey(w, r, id)
	if !ok {
		return
	}

	query := r.URL.Query()
	if query.Get("version") == "" {
		all, _ := strconv.ParseBool(query.Get("all"))
		if all {
			result, err := h.engine.DeleteAllVersions(r.Context(), key)
			writeBulk(w, result, err)
			return
		}
	}

	selector, ok := versionSelector(w, r)
	if !ok {
		return
	}

	if err := h.engine.Delete(r.Context(), key, selector); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FileHandler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	owner, ok := resolveOwner(w, id, r.URL.Query().Get("owner"))
	if !ok {
		return
	}

	result, err := h.engine.DeleteProjectFiles(r.Context(), owner, r.URL.Query().Get("project"))
	writeBulk(w, result, err)
}

func (h *FileHandler) DeleteOwner(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	owner, ok := resolveOwner(w, id, r.URL.Query().Get("owner"))
	if !ok {
		return
	}

	result, err := h.engine.DeleteAllFiles(r.Context(), owner)
	writeBulk(w, result, err)
}

// CollectGarbage запускает сборку мусора вручную, только для администраторов
func (h *FileHandler) CollectGarbage(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if !id.Admin {
		writeForbidden(w)
		return
	}

	grace := h.gcGrace
	if raw := r.URL.Query().Get("grace"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, fmt.Errorf("%w: invalid grace %q", domain.ErrInvalidArgument, raw))
			return
		}
		grace = d
	}

	result, err := h.engine.CollectGarbage(r.Context(), grace)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": auth.ErrUnauthenticated.Error(),
			"kind":  "unauthenticated",
		})
		return auth.Identity{}, false
	}
	return id, true
}

func resolveOwner(w http.ResponseWriter, id auth.Identity, requested string) (string, bool) {
	owner, ok := id.ResolveOwner(requested)
	if !ok {
		writeForbidden(w)
		return "", false
	}
	return owner, true
}

func fileKey(w http.ResponseWriter, r *http.Request, id auth.Identity) (domain.FileKey, bool) {
	query := r.URL.Query()

	owner, ok := resolveOwner(w, id, query.Get("owner"))
	if !ok {
		return domain.FileKey{}, false
	}

	return domain.FileKey{
		Owner:   owner,
		Project: query.Get("project"),
		Type:    query.Get("type"),
		Name:    query.Get("name"),
	}, true
}

// versionSelector: отсутствующий параметр означает последнюю версию
func versionSelector(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("version")
	if raw == "" {
		return domain.LatestVersion, true
	}

	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid version %q", domain.ErrInvalidArgument, raw))
		return 0, false
	}
	return version, true
}

func decodeMetadataRequest(w http.ResponseWriter, r *http.Request) (*MetadataUpdateRequest, bool) {
	var req MetadataUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidArgument, err))
		return nil, false
	}
	return &req, true
}

func writeBulk(w http.ResponseWriter, result *domain.BulkResult, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// statusFor переводит вид ошибки движка в HTTP-статус
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	message := err.Error()
	if kind == domain.KindInternal {
		message = "internal error"
	}
	writeJSON(w, statusFor(kind), errorResponse{Error: message, Kind: kind})
}

func writeForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]string{
		"error": "access denied",
		"kind":  "forbidden",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
