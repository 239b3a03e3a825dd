package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shaun/octophus/internal/auth"
	"github.com/shaun/octophus/internal/buffer"
	"github.com/shaun/octophus/internal/metrics"
	"github.com/shaun/octophus/internal/remote"
	"github.com/shaun/octophus/internal/workspace"
)

var (
	errNoSession    = errors.New("no repository open")
	errNotDirectory = errors.New("not a directory")
	errNotFile      = errors.New("not a file")
)

// Connector returns a backend for the named repository. Implemented with the
// GitHub client in main; tests pass an in-memory backend.
type Connector func(id workspace.Identity) (remote.Backend, error)

type Handler struct {
	buffers *buffer.Store
	connect Connector
	logger  *zap.Logger

	mu   sync.Mutex
	repo *workspace.Repository
}

func NewHandler(buffers *buffer.Store, connect Connector, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{buffers: buffers, connect: connect, logger: logger}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

// statusFor maps workspace errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workspace.ErrCommitFailed), errors.Is(err, workspace.ErrRemoteUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, errNoSession), errors.Is(err, workspace.ErrClosed):
		return http.StatusPreconditionFailed
	case errors.Is(err, workspace.ErrRepoNotFound), errors.Is(err, workspace.ErrNotFound), errors.Is(err, buffer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrNameConflict), errors.Is(err, workspace.ErrBusy), errors.Is(err, workspace.ErrDirty):
		return http.StatusConflict
	case errors.Is(err, workspace.ErrNotLoaded), errors.Is(err, workspace.ErrInvalidName),
		errors.Is(err, errNotDirectory), errors.Is(err, errNotFile):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *Handler) session() (*workspace.Repository, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.repo == nil {
		return nil, errNoSession
	}
	return h.repo, nil
}

func (h *Handler) updateGauges(repo *workspace.Repository) {
	metrics.SetSessionFiles(len(repo.OpenFiles()), len(repo.DirtyFiles()))
}

// OpenRepo opens the repository named by spec ("owner/name[:branch]") and
// makes it the current session. The previous session is kept when the new one
// cannot be loaded. A previous session holding unsynced edits is only
// replaced when force is set.
func (h *Handler) OpenRepo(ctx context.Context, spec string, force bool) (*workspace.Repository, error) {
	id, err := workspace.ParseIdentity(spec)
	if err != nil {
		return nil, err
	}
	if old, _ := h.session(); old != nil && !force {
		if err := h.checkClean(old); err != nil {
			return nil, err
		}
	}

	backend, err := h.connect(id)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", id, err)
	}
	repo := workspace.New(id, backend, h.buffers, workspace.WithLogger(h.logger))
	if _, err := repo.GetDirectory(ctx); err != nil {
		repo.Close()
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.repo
	if old != nil {
		if !force {
			if err := h.checkClean(old); err != nil {
				repo.Close()
				return nil, err
			}
		}
		if err := old.Close(); err != nil {
			h.logger.Warn("closing previous session", zap.Error(err))
		}
		if n := len(old.DirtyFiles()); n > 0 {
			h.logger.Warn("discarding unsynced edits", zap.String("repo", old.Identity().String()), zap.Int("files", n))
		}
	}
	h.buffers.CloseAll()
	h.buffers.SetListener(repo)
	h.repo = repo
	h.updateGauges(repo)
	h.logger.Info("session opened", zap.String("repo", id.String()), zap.String("branch", repo.Branch()))
	return repo, nil
}

func (h *Handler) checkClean(repo *workspace.Repository) error {
	if err := repo.SaveAll(); err != nil {
		return err
	}
	if dirty := repo.DirtyFiles(); len(dirty) > 0 {
		return fmt.Errorf("%s has %d unsynced files: %w", repo.Identity(), len(dirty), workspace.ErrDirty)
	}
	return nil
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) Repo(w http.ResponseWriter, r *http.Request) {
	var req OpenRepoRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	repo, err := h.OpenRepo(r.Context(), req.Repo, req.Force)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Debug("repo opened by request", zap.String("user", auth.UserFromRequest(r)))
	respondJSON(w, http.StatusOK, h.status(repo))
}

func (h *Handler) Tree(w http.ResponseWriter, r *http.Request) {
	repo, err := h.session()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := repo.Lookup(r.URL.Query().Get("path"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(n, true))
}

func (h *Handler) lookupDir(path string) (*workspace.Repository, *workspace.Directory, error) {
	repo, err := h.session()
	if err != nil {
		return nil, nil, err
	}
	n, err := repo.Lookup(path)
	if err != nil {
		return nil, nil, err
	}
	d, ok := n.(*workspace.Directory)
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", path, errNotDirectory)
	}
	return repo, d, nil
}

// OpenDirectory expands a directory, loading its listing on first use.
func (h *Handler) OpenDirectory(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, d, err := h.lookupDir(req.Path)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := d.Open(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(d, true))
}

func (h *Handler) ReloadDirectory(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, d, err := h.lookupDir(req.Path)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := d.Reload(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(d, true))
}

// CreateFile adds an empty file to a directory and opens it in a buffer.
func (h *Handler) CreateFile(w http.ResponseWriter, r *http.Request) {
	var req CreateFileRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	repo, d, err := h.lookupDir(req.Dir)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f, err := d.CreateFile(r.Context(), req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.openFile(w, r, repo, f, http.StatusCreated)
}

func (h *Handler) OpenFile(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	repo, err := h.session()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := repo.Lookup(req.Path)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f, ok := n.(*workspace.File)
	if !ok {
		h.fail(w, r, fmt.Errorf("%s: %w", req.Path, errNotFile))
		return
	}
	h.openFile(w, r, repo, f, http.StatusOK)
}

func (h *Handler) openFile(w http.ResponseWriter, r *http.Request, repo *workspace.Repository, f *workspace.File, status int) {
	handle, err := f.Open(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.updateGauges(repo)
	b, ok := h.buffers.Get(handle)
	if !ok {
		h.fail(w, r, fmt.Errorf("buffer %s: %w", handle, buffer.ErrNotFound))
		return
	}
	respondJSON(w, status, bufferView(b))
}

func (h *Handler) GetBuffer(w http.ResponseWriter, r *http.Request) {
	b, ok := h.buffers.Get(chi.URLParam(r, "id"))
	if !ok {
		h.fail(w, r, buffer.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, bufferView(b))
}

func (h *Handler) EditBuffer(w http.ResponseWriter, r *http.Request) {
	var req BufferRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Content == nil {
		http.Error(w, "content required", http.StatusBadRequest)
		return
	}
	content, err := req.bytes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	handle := chi.URLParam(r, "id")
	if err := h.buffers.Edit(handle, content); err != nil {
		h.fail(w, r, err)
		return
	}
	b, _ := h.buffers.Get(handle)
	respondJSON(w, http.StatusOK, bufferView(b))
}

// SaveBuffer saves a buffer, staging its content in the file it is bound to.
// The body is optional.
func (h *Handler) SaveBuffer(w http.ResponseWriter, r *http.Request) {
	var req BufferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	content, err := req.bytes()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	handle := chi.URLParam(r, "id")
	if err := h.buffers.Save(handle, content); err != nil {
		h.fail(w, r, err)
		return
	}
	if repo, err := h.session(); err == nil {
		h.updateGauges(repo)
	}
	b, _ := h.buffers.Get(handle)
	respondJSON(w, http.StatusOK, bufferView(b))
}

func (h *Handler) CloseBuffer(w http.ResponseWriter, r *http.Request) {
	if err := h.buffers.Close(chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	if repo, err := h.session(); err == nil {
		h.updateGauges(repo)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Commit writes every dirty file to the host. An empty message does nothing.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	repo, err := h.session()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		respondJSON(w, http.StatusOK, CommitResponse{})
		return
	}
	amend := req.Amend == nil || *req.Amend
	h.logger.Info("commit requested", zap.String("user", auth.UserFromRequest(r)), zap.Bool("amend", amend))

	res, err := repo.Commit(r.Context(), message, amend)
	metrics.ObserveCommit(amend, err)
	h.updateGauges(repo)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, CommitResponse{
		Committed: true,
		Commit:    string(res.Commit),
		Amended:   res.Amended,
		Files:     res.Files,
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	repo, err := h.session()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.status(repo))
}

func (h *Handler) status(repo *workspace.Repository) StatusResponse {
	res := StatusResponse{
		Repo:       repo.Identity().String(),
		Branch:     repo.Branch(),
		LastCommit: string(repo.LastCommit()),
		OpenFiles:  []string{},
		DirtyFiles: []string{},
	}
	for _, f := range repo.OpenFiles() {
		res.OpenFiles = append(res.OpenFiles, f.Path())
	}
	for _, f := range repo.DirtyFiles() {
		res.DirtyFiles = append(res.DirtyFiles, f.Path())
	}
	return res
}

// Shutdown flushes open buffers and closes the current session.
func (h *Handler) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.repo == nil {
		return nil
	}
	err := h.repo.Close()
	if dirty := h.repo.DirtyFiles(); len(dirty) > 0 {
		h.logger.Warn("shutting down with unsynced edits", zap.Int("files", len(dirty)))
	}
	h.buffers.SetListener(nil)
	h.repo = nil
	return err
}

func viewOf(n workspace.Node, withChildren bool) NodeView {
	v := NodeView{Name: n.Name(), Path: n.Path(), Dirty: n.Dirty()}
	switch n := n.(type) {
	case *workspace.Directory:
		v.Kind = remote.KindTree.String()
		v.Ref = string(n.Ref())
		v.Loaded = n.Loaded()
		if withChildren {
			for _, c := range n.Children() {
				v.Children = append(v.Children, viewOf(c, false))
			}
		}
	case *workspace.File:
		v.Kind = remote.KindBlob.String()
		v.Ref = string(n.Ref())
		v.Bound = n.Bound()
	}
	return v
}

// bufferView sends content as text when it is valid UTF-8 and as base64
// otherwise, so bytes survive the JSON round trip.
func bufferView(b buffer.Buffer) BufferView {
	v := BufferView{Handle: b.Handle, Path: b.Path, Version: b.Version, Encoding: encodingUTF8}
	if utf8.Valid(b.Content) {
		v.Content = string(b.Content)
	} else {
		v.Encoding = encodingBase64
		v.Content = base64.StdEncoding.EncodeToString(b.Content)
	}
	return v
}

// bytes returns the request content, nil when absent.
func (req BufferRequest) bytes() ([]byte, error) {
	if req.Content == nil {
		return nil, nil
	}
	switch req.Encoding {
	case "", encodingUTF8:
		return []byte(*req.Content), nil
	case encodingBase64:
		b, err := base64.StdEncoding.DecodeString(*req.Content)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 content: %w", err)
		}
		if b == nil {
			b = []byte{}
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", req.Encoding)
	}
}
