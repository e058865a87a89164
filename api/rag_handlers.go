package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"rag.evalgo.org/catalog"
	"rag.evalgo.org/common"
	"rag.evalgo.org/retrieve"
)

type collectionRequest struct {
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	Icon            string  `json:"icon"`
	Color           string  `json:"color"`
	Kind            string  `json:"kind"`
	ParentID        *string `json:"parent_id"`
	ExpectedVersion int     `json:"expected_version"`
}

func (s *Server) handleListCollections(c echo.Context) error {
	principal := principalFrom(c)
	opts := listOptions(c)
	opts.IncludeDeleted, _ = strconv.ParseBool(c.QueryParam("include_deleted"))
	var parentID *string
	if raw := c.QueryParam("parent_id"); raw != "" {
		parentID = &raw
	}
	cols, err := s.deps.Catalog.ListCollections(c.Request().Context(), principal.UserID, parentID, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"collections": cols})
}

func (s *Server) handleCreateCollection(c echo.Context) error {
	principal := principalFrom(c)
	var req collectionRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	col, err := s.deps.Catalog.CreateCollection(c.Request().Context(), principal.UserID, catalog.CollectionInput{
		Name:        req.Name,
		Description: req.Description,
		Icon:        req.Icon,
		Color:       req.Color,
		Kind:        req.Kind,
		ParentID:    req.ParentID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, col)
}

func (s *Server) handleGetCollection(c echo.Context) error {
	principal := principalFrom(c)
	col, err := s.deps.Catalog.GetCollection(c.Request().Context(), principal.UserID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, col)
}

func (s *Server) handleUpdateCollection(c echo.Context) error {
	principal := principalFrom(c)
	var req collectionRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	col, err := s.deps.Catalog.UpdateCollection(c.Request().Context(), principal.UserID, c.Param("id"), catalog.CollectionInput{
		Name:        req.Name,
		Description: req.Description,
		Icon:        req.Icon,
		Color:       req.Color,
		ParentID:    req.ParentID,
	}, req.ExpectedVersion)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, col)
}

func (s *Server) handleDeleteCollection(c echo.Context) error {
	principal := principalFrom(c)
	hard, _ := strconv.ParseBool(c.QueryParam("hard_delete"))
	if err := s.deps.Catalog.DeleteCollection(c.Request().Context(), principal.UserID, c.Param("id"), hard); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleUpload is phase one of the two-phase upload: the bytes are stored
// and an upload id is returned for a later bind.
func (s *Server) handleUpload(c echo.Context) error {
	principal := principalFrom(c)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return common.E(common.KindValidation, "MISSING_FILE", "multipart field \"file\" is required")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return common.Wrap(common.KindValidation, "UNREADABLE_FILE", "failed to read uploaded file", err)
	}
	defer func() { _ = src.Close() }()

	mimeType := fileHeader.Header.Get("Content-Type")
	if declared := c.FormValue("mime_type"); declared != "" {
		mimeType = declared
	}

	upload, err := s.deps.Catalog.BeginUpload(c.Request().Context(), principal.UserID,
		fileHeader.Filename, mimeType, fileHeader.Size, src)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"upload_id":  upload.ID,
		"file_name":  upload.FileName,
		"size":       upload.DeclaredSize,
		"mime_type":  upload.MimeType,
		"expires_at": upload.ExpiresAt,
	})
}

type bindRequest struct {
	UploadID     string `json:"upload_id"`
	CollectionID string `json:"collection_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
}

// handleBindUpload is phase two: the upload is bound to a collection, the
// document row is created and the ingestion job enqueued.
func (s *Server) handleBindUpload(c echo.Context) error {
	principal := principalFrom(c)
	var req bindRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	doc, err := s.deps.Catalog.BindUpload(c.Request().Context(), principal.UserID, catalog.BindInput{
		UploadID:     req.UploadID,
		CollectionID: req.CollectionID,
		Title:        req.Title,
		Description:  req.Description,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(c echo.Context) error {
	principal := principalFrom(c)
	var collectionID *string
	if raw := c.QueryParam("collection_id"); raw != "" {
		collectionID = &raw
	}
	docs, err := s.deps.Catalog.ListDocuments(c.Request().Context(), principal.UserID, collectionID, listOptions(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"documents": docs})
}

func (s *Server) handleGetDocument(c echo.Context) error {
	principal := principalFrom(c)
	doc, err := s.deps.Catalog.GetDocument(c.Request().Context(), principal.UserID, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	principal := principalFrom(c)
	if err := s.deps.Catalog.DeleteDocument(c.Request().Context(), principal.UserID, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleDocumentStatus streams ingestion progress for one document as SSE.
// The stored snapshot is sent first; live updates follow until the document
// reaches a terminal status or the client disconnects.
func (s *Server) handleDocumentStatus(c echo.Context) error {
	principal := principalFrom(c)
	doc, err := s.deps.Catalog.GetDocument(c.Request().Context(), principal.UserID, c.Param("id"))
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	stream, err := newSSEStream(c)
	if err != nil {
		return err
	}
	defer stream.Close()

	stream.Send("progress", map[string]interface{}{
		"document_id": doc.ID,
		"status":      doc.Status,
		"stage":       doc.ProgressStage,
		"percent":     doc.ProgressPercent,
		"message":     doc.ProgressMessage,
	})
	if doc.Status == "complete" || doc.Status == "failed" || s.deps.Progress == nil {
		return nil
	}

	updates, err := s.deps.Progress.Subscribe(ctx, doc.ID)
	if err != nil {
		stream.Send("error", map[string]string{"code": common.CodeOf(err), "message": "progress stream unavailable"})
		return nil
	}
	for ev := range updates {
		if !stream.Send("progress", ev) {
			return nil
		}
		if ev.Status == "complete" || ev.Status == "failed" {
			return nil
		}
	}
	return nil
}

type searchRequest struct {
	Question      string   `json:"question"`
	CollectionIDs []string `json:"collection_ids"`
	DocumentIDs   []string `json:"document_ids"`
	K             *int     `json:"k"`
	Threshold     *float64 `json:"threshold"`
}

func (s *Server) handleSearch(c echo.Context) error {
	principal := principalFrom(c)
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindValidation, "MALFORMED_BODY", "request body must be JSON")
	}
	// An explicit k of zero asks for nothing; skip the engine entirely. An
	// omitted k falls through as zero and picks up the configured default.
	if req.K != nil && *req.K == 0 {
		return c.JSON(http.StatusOK, &retrieve.Result{
			Chunks:    []retrieve.Chunk{},
			Citations: []retrieve.Citation{},
		})
	}
	k := 0
	if req.K != nil {
		k = *req.K
	}
	result, err := s.deps.Engine.Retrieve(c.Request().Context(), retrieve.Request{
		OwnerID:       principal.UserID,
		Question:      req.Question,
		CollectionIDs: req.CollectionIDs,
		DocumentIDs:   req.DocumentIDs,
		K:             k,
		Threshold:     req.Threshold,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"tools": s.deps.Tools.List()})
}
