package httpserver

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/and161185/medconsent/internal/clock"
	"github.com/and161185/medconsent/internal/convert"
	"github.com/and161185/medconsent/internal/errs"
	"github.com/and161185/medconsent/internal/identity"
	"github.com/and161185/medconsent/internal/model"
	"github.com/and161185/medconsent/internal/service"
)

type handler struct {
	grants service.GrantService
	ingest *service.IngestService
	clock  clock.Clock
	log    *zap.Logger
}

func principal(c echo.Context) (model.Principal, error) {
	p, ok := identity.PrincipalFromCtx(c.Request().Context())
	if !ok {
		return model.Principal{}, errs.ErrUnauthorized
	}
	return p, nil
}

func (h *handler) requestGrant(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req convert.GrantRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: malformed body", errs.ErrInvalidInput)
	}
	g, created, err := h.grants.RequestGrant(c.Request().Context(), p.ID, req.HealthID)
	if err != nil {
		return err
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	return c.JSON(code, convert.GrantResponse{Grant: convert.ToGrant(g, h.clock.Now()), Created: created})
}

func (h *handler) listGrants(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	list, err := h.grants.ListActive(c.Request().Context(), p.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convert.ToActiveGrants(list, h.clock.Now()))
}

func (h *handler) revokeGrant(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	err = h.grants.Revoke(c.Request().Context(), c.Param("id"), p.ID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) access(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	patientID, err := convert.ParseID("patient id", c.Param("id"))
	if err != nil {
		return err
	}
	g, err := h.grants.ActiveGrant(c.Request().Context(), p.ID, patientID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return c.JSON(http.StatusOK, convert.ToAccess(g, h.clock.Now()))
}

func (h *handler) summary(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	patientID, err := convert.ParseID("patient id", c.Param("id"))
	if err != nil {
		return err
	}
	l, err := h.ingest.Summary(c.Request().Context(), p, patientID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convert.ToSummary(l))
}

func (h *handler) records(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	patientID, err := convert.ParseID("patient id", c.Param("id"))
	if err != nil {
		return err
	}
	list, err := h.ingest.Records(c.Request().Context(), p, patientID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convert.ToRecords(list))
}

func (h *handler) upload(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	patientID, err := convert.ParseID("patient id", c.Param("id"))
	if err != nil {
		return err
	}
	file, err := c.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		return fmt.Errorf("%w: file is required", errs.ErrInvalidInput)
	}
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("%w: unreadable file", errs.ErrInvalidInput)
	}
	defer src.Close()

	contentType := file.Header.Get(echo.HeaderContentType)
	if contentType == "" || contentType == echo.MIMEOctetStream {
		if byExt := mime.TypeByExtension(path.Ext(file.Filename)); byExt != "" {
			contentType = byExt
		}
	}

	rec, err := h.ingest.Upload(c.Request().Context(), p, service.UploadInput{
		PatientID:   patientID,
		FileName:    file.Filename,
		ContentType: contentType,
		Description: c.FormValue("description"),
		Content:     src,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, convert.ToRecord(*rec))
}

func (h *handler) resubmit(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := convert.ParseID("record id", c.Param("id"))
	if err != nil {
		return err
	}
	rec, err := h.ingest.Resubmit(c.Request().Context(), p, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convert.ToRecord(*rec))
}

func (h *handler) link(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := convert.ParseID("record id", c.Param("id"))
	if err != nil {
		return err
	}
	tok, exp, err := h.ingest.Link(c.Request().Context(), p, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convert.Link{URL: "/v1/blobs/" + tok, ExpiresAt: exp.UTC()})
}

func (h *handler) openBlob(c echo.Context) error {
	rc, l, err := h.ingest.Open(c.Request().Context(), c.Param("token"))
	if err != nil {
		return err
	}
	defer rc.Close()

	ct := l.ContentType
	if ct == "" {
		ct = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, mime.FormatMediaType("inline", map[string]string{"filename": l.FileName}))
	c.Response().Header().Set(echo.HeaderCacheControl, "private, no-store")
	return c.Stream(http.StatusOK, ct, rc)
}
