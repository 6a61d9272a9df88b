package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/pipeline"
	"github.com/JakeFAU/recall-crawler/internal/recall"
)

type recallRequest struct {
	Query string `json:"query"`
}

type recallHit struct {
	Score   float64 `json:"score"`
	Content string  `json:"content"`
	PageID  string  `json:"page_id,omitempty"`
}

type storageRequest struct {
	PageID      string `json:"page_id"`
	PageIDCamel string `json:"pageId"`
	Content     string `json:"content"`
}

func (r storageRequest) pageID() string {
	if r.PageID != "" {
		return r.PageID
	}
	return r.PageIDCamel
}

type storageResponse struct {
	Success bool   `json:"success"`
	ChunkID string `json:"chunk_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type clientRequest struct {
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	WebsiteURL string            `json:"website_url"`
	Metadata   map[string]string `json:"metadata"`
}

type siteRequest struct {
	URL      string `json:"url"`
	ClientID string `json:"client_id"`
}

func (s *Server) recall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	results, err := s.recaller.Recall(r.Context(), req.Query)
	if err != nil {
		switch {
		case errors.Is(err, recall.ErrEmptyQuery):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, crawler.ErrEmbeddingUnavailable):
			s.writeError(w, http.StatusServiceUnavailable, "embedding unavailable")
		default:
			s.logger.Error("recall failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "recall failed")
		}
		return
	}
	hits := make([]recallHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, recallHit{Score: res.Score, Content: res.Content, PageID: res.PageID})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

func (s *Server) storage(w http.ResponseWriter, r *http.Request) {
	var req storageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, storageResponse{Error: "invalid JSON"})
		return
	}
	pageID := strings.TrimSpace(req.pageID())
	if pageID == "" {
		s.writeJSON(w, http.StatusBadRequest, storageResponse{Error: "page_id required"})
		return
	}
	chunk, err := s.indexer.StoreChunk(r.Context(), pageID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrEmptyContent):
			s.writeJSON(w, http.StatusBadRequest, storageResponse{Error: err.Error()})
		case errors.Is(err, crawler.ErrNotFound):
			s.writeJSON(w, http.StatusNotFound, storageResponse{Error: "page not found"})
		case errors.Is(err, crawler.ErrEmbeddingUnavailable):
			s.writeJSON(w, http.StatusServiceUnavailable, storageResponse{Error: "embedding unavailable"})
		default:
			s.logger.Error("store chunk failed", zap.String("page_id", pageID), zap.Error(err))
			s.writeJSON(w, http.StatusInternalServerError, storageResponse{Error: "storage failed"})
		}
		return
	}
	s.writeJSON(w, http.StatusOK, storageResponse{Success: true, ChunkID: chunk.ID})
}

func (s *Server) createClient(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "name required")
		return
	}
	id, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate client id")
		return
	}
	client := crawler.Client{
		ID:         id,
		Name:       strings.TrimSpace(req.Name),
		Email:      req.Email,
		WebsiteURL: req.WebsiteURL,
		Metadata:   req.Metadata,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.CreateClient(r.Context(), client); err != nil {
		s.logger.Error("create client failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "create client failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listClientSites(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	if _, err := s.store.GetClient(r.Context(), clientID); err != nil {
		s.writeLookupError(w, "client", err)
		return
	}
	sites, err := s.store.ListClientSites(r.Context(), clientID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list sites failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sites": nonNil(sites)})
}

// submitSite registers a crawl root and queues its first pass.
func (s *Server) submitSite(w http.ResponseWriter, r *http.Request) {
	var req siteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if _, err := crawler.NormalizeURL(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClientID != "" {
		if _, err := s.store.GetClient(r.Context(), req.ClientID); err != nil {
			s.writeLookupError(w, "client", err)
			return
		}
	}

	site, err := s.indexer.EnsureSite(r.Context(), req.URL)
	if err != nil {
		s.logger.Error("ensure site failed", zap.String("url", req.URL), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "register site failed")
		return
	}
	if req.ClientID != "" {
		if err := s.store.LinkClientSite(r.Context(), req.ClientID, site.ID); err != nil {
			s.logger.Error("link client site failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "link site failed")
			return
		}
	}
	if err := s.enqueueSite(r.Context(), site, req.ClientID); err != nil {
		if errors.Is(err, crawler.ErrQueueFull) {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"site_id": site.ID,
				"error":   "crawl queue full, retry later",
			})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"site_id": site.ID, "url": site.StartURL})
}

func (s *Server) enqueueSite(ctx context.Context, site crawler.Site, clientID string) error {
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := crawler.QueueItem{
		SiteURL:   site.StartURL,
		ClientID:  clientID,
		Attempt:   1,
		Submitted: s.clock.Now().Unix(),
	}
	if err := s.queue.Enqueue(queueCtx, item); err != nil {
		return fmt.Errorf("enqueue site: %w", err)
	}
	return nil
}

func (s *Server) listSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.ListSites(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list sites failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sites": nonNil(sites)})
}

func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "page_id")
	page, err := s.store.GetPageByID(r.Context(), pageID)
	if err != nil {
		s.writeLookupError(w, "page", err)
		return
	}
	chunks, err := s.store.ListChunks(r.Context(), pageID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "list chunks failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"page": page, "chunks": len(chunks)})
}

func (s *Server) writeLookupError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, crawler.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, kind+" not found")
		return
	}
	s.logger.Error("lookup failed", zap.String("kind", kind), zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "lookup failed")
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
