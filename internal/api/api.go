// Package api exposes the admin HTTP surface: node inspection, folder
// browsing, and per-folder inbound-mail policy updates.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailshelf/mailshelf/internal/repo"
)

// shutdownTimeout bounds the graceful drain on context cancellation.
const shutdownTimeout = 5 * time.Second

var errFolderNotFound = errors.New("folder not found")

// NodeStore is the repository subset the API reads and writes.
type NodeStore interface {
	repo.NodeService

	// Aspects lists the aspects applied to the node.
	Aspects(ctx context.Context, node repo.NodeRef) ([]repo.QName, error)
}

// Server serves the admin API over HTTP.
type Server struct {
	nodes   NodeStore
	content repo.ContentService
	dict    repo.DictionaryService
	root    repo.NodeRef
	srv     *http.Server
}

// New builds the admin API server rooted at the given folder.
func New(addr string, nodes NodeStore, content repo.ContentService, dict repo.DictionaryService, root repo.NodeRef) *Server {
	s := &Server{
		nodes:   nodes,
		content: content,
		dict:    dict,
		root:    root,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/nodes/{id}", s.handleGetNode)
	r.Get("/api/nodes/{id}/content", s.handleGetContent)
	r.Get("/api/folders", s.handleListFolder)
	r.Get("/api/folders/*", s.handleListFolder)
	r.Put("/api/folders/*", s.handleSetPolicy)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves the API until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("admin API listening", "addr", s.srv.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down admin API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type nodeResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Name       string         `json:"name,omitempty"`
	Parent     string         `json:"parent,omitempty"`
	Aspects    []string       `json:"aspects"`
	Properties map[string]any `json:"properties"`
}

type childEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type folderResponse struct {
	Path     string       `json:"path"`
	ID       string       `json:"id"`
	Children []childEntry `json:"children"`
}

// policyDocument carries the three nullable folder policy overrides. Absent
// fields leave the stored value untouched.
type policyDocument struct {
	ExtractAttachments                 *bool `json:"extract_attachments,omitempty"`
	ExtractAttachmentsAsDirectChildren *bool `json:"extract_attachments_as_direct_children,omitempty"`
	OverwriteDuplicates                *bool `json:"overwrite_duplicates,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		slog.Error("failed to write health response", "error", err)
	}
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	node := repo.NodeRef{Store: repo.StoreWorkspace, ID: chi.URLParam(r, "id")}

	nodeType, err := s.nodes.GetType(ctx, node)
	if err != nil {
		if errors.Is(err, repo.ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	props, err := s.nodes.GetProperties(ctx, node)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	aspects, err := s.nodes.Aspects(ctx, node)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := nodeResponse{
		ID:         node.ID,
		Type:       nodeType.String(),
		Aspects:    make([]string, 0, len(aspects)),
		Properties: make(map[string]any, len(props)),
	}
	for _, aspect := range aspects {
		resp.Aspects = append(resp.Aspects, aspect.String())
	}
	for qname, value := range props {
		resp.Properties[qname.String()] = value
	}
	if name, ok := props[repo.PropName].(string); ok {
		resp.Name = name
	}
	// The root has no primary parent; everything else does.
	if assoc, err := s.nodes.GetPrimaryParent(ctx, node); err == nil {
		resp.Parent = assoc.Parent.ID
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	node := repo.NodeRef{Store: repo.StoreWorkspace, ID: chi.URLParam(r, "id")}

	reader, err := s.content.GetReader(ctx, node, repo.PropContent)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNodeNotFound):
			writeError(w, http.StatusNotFound, "node not found")
		case errors.Is(err, repo.ErrNoContent):
			writeError(w, http.StatusNotFound, "node has no content")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	stream, err := reader.Open()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer stream.Close()

	mimetype := reader.Mimetype()
	if mimetype == "" {
		mimetype = repo.MimetypeBinary
	}
	w.Header().Set("Content-Type", mimetype)
	if size := reader.Size(); size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, stream); err != nil {
		slog.Error("failed to stream content", "node", node.String(), "error", err)
	}
}

func (s *Server) handleListFolder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path := strings.Trim(chi.URLParam(r, "*"), "/")

	folder, err := s.resolveFolder(ctx, path)
	if err != nil {
		if errors.Is(err, errFolderNotFound) {
			writeError(w, http.StatusNotFound, "folder not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	assocs, err := s.nodes.GetChildAssocs(ctx, folder)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := folderResponse{
		Path:     path,
		ID:       folder.ID,
		Children: make([]childEntry, 0, len(assocs)),
	}
	for _, assoc := range assocs {
		childType, err := s.nodes.GetType(ctx, assoc.Child)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Children = append(resp.Children, childEntry{
			ID:   assoc.Child.ID,
			Name: assoc.Name,
			Type: childType.String(),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSetPolicy updates the folder policy overrides. The route shape is
// PUT /api/folders/<path>/policy.
func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wild := strings.Trim(chi.URLParam(r, "*"), "/")

	path, ok := strings.CutSuffix(wild, "policy")
	if !ok {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}
	path = strings.Trim(path, "/")

	folder, err := s.resolveFolder(ctx, path)
	if err != nil {
		if errors.Is(err, errFolderNotFound) {
			writeError(w, http.StatusNotFound, "folder not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	nodeType, err := s.nodes.GetType(ctx, folder)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !s.dict.IsSubtype(nodeType, repo.TypeFolder) {
		writeError(w, http.StatusBadRequest, "target is not a folder")
		return
	}

	var req policyDocument
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	props := make(map[repo.QName]any)
	if req.ExtractAttachments != nil {
		props[repo.PropExtractAttachments] = *req.ExtractAttachments
	}
	if req.ExtractAttachmentsAsDirectChildren != nil {
		props[repo.PropExtractAttachmentsAsDirectChildren] = *req.ExtractAttachmentsAsDirectChildren
	}
	if req.OverwriteDuplicates != nil {
		props[repo.PropOverwriteDuplicates] = *req.OverwriteDuplicates
	}
	if len(props) == 0 {
		writeError(w, http.StatusBadRequest, "no policy fields supplied")
		return
	}

	if err := s.nodes.SetProperties(ctx, folder, props); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("folder policy updated", "folder", folder.String(), "path", path)

	// Respond with the effective stored policy.
	stored, err := s.nodes.GetProperties(ctx, folder)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, policyDocument{
		ExtractAttachments:                 repo.ToBool(stored[repo.PropExtractAttachments]),
		ExtractAttachmentsAsDirectChildren: repo.ToBool(stored[repo.PropExtractAttachmentsAsDirectChildren]),
		OverwriteDuplicates:                repo.ToBool(stored[repo.PropOverwriteDuplicates]),
	})
}

// resolveFolder walks a slash-separated folder path below the root.
func (s *Server) resolveFolder(ctx context.Context, path string) (repo.NodeRef, error) {
	current := s.root
	if path == "" {
		return current, nil
	}

	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}
		child, err := s.nodes.GetChildByName(ctx, current, repo.AssocContains, segment)
		if err != nil {
			return repo.NodeRef{}, err
		}
		if child.IsZero() {
			return repo.NodeRef{}, errFolderNotFound
		}
		current = child
	}
	return current, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
