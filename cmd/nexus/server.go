package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nexi-lab/nexus/rebac"
	"github.com/nexi-lab/nexus/rebac/engine"
	"github.com/nexi-lab/nexus/rebac/graph"
	"github.com/nexi-lab/nexus/rebac/tuplestore"
)

// newServer wires the admin/RPC HTTP surface named in SPEC_FULL.md's module
// layout, in the teacher's echo-plus-middleware-stack style (cli/root.go),
// generalized from flow-process endpoints to permission-engine endpoints.
func newServer(eng *engine.Engine) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/healthz", handleHealth)

	v1 := e.Group("/v1")
	v1.POST("/check", handleCheck(eng))
	v1.POST("/check-batch", handleCheckBatch(eng))
	v1.POST("/expand", handleExpand(eng))
	v1.POST("/write", handleWrite(eng))
	v1.DELETE("/tuples/:zone/:tuple_id", handleDelete(eng))
	v1.PUT("/namespaces/:object_type", handleNamespacePut(eng))
	v1.POST("/directory-grants", handleDirectoryGrant(eng))

	return e
}

func handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type entityDTO struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (d entityDTO) toEntity() rebac.Entity { return rebac.Entity{Type: d.Type, ID: d.ID} }

type checkRequest struct {
	Subject     entityDTO              `json:"subject"`
	Permission  string                 `json:"permission"`
	Object      entityDTO              `json:"object"`
	Zone        string                 `json:"zone"`
	Consistency string                 `json:"consistency"`
	MinRevision int64                  `json:"min_revision"`
	Context     map[string]interface{} `json:"context"`
}

func (r checkRequest) options() (rebac.CheckOptions, error) {
	mode := rebac.MinimizeLatency
	if r.Consistency != "" {
		parsed, err := rebac.ParseConsistencyMode(r.Consistency)
		if err != nil {
			return rebac.CheckOptions{}, err
		}
		mode = parsed
	}
	return rebac.CheckOptions{Context: r.Context, Zone: r.Zone, Mode: mode, MinRevision: r.MinRevision}, nil
}

func handleCheck(eng *engine.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req checkRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errBody(err))
		}
		opts, err := req.options()
		if err != nil {
			return c.JSON(http.StatusBadRequest, errBody(err))
		}
		allowed, err := eng.Check(c.Request().Context(), req.Subject.toEntity(), req.Permission, req.Object.toEntity(), opts)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err))
		}
		return c.JSON(http.StatusOK, map[string]bool{"allowed": allowed})
	}
}

type checkBatchRequest struct {
	Checks      []checkRequest `json:"checks"`
	Zone        string         `json:"zone"`
	Consistency string         `json:"consistency"`
	MinRevision int64          `json:"min_revision"`
}

func handleCheckBatch(eng *engine.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req checkBatchRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errBody(err))
		}
		mode := rebac.MinimizeLatency
		if req.Consistency != "" {
			parsed, err := rebac.ParseConsistencyMode(req.Consistency)
			if err != nil {
				return c.JSON(http.StatusBadRequest, errBody(err))
			}
			mode = parsed
		}
		opts := rebac.CheckOptions{Zone: req.Zone, Mode: mode, MinRevision: req.MinRevision}

		checks := make([]graph.CheckTuple, len(req.Checks))
		for i, ch := range req.Checks {
			checks[i] = graph.CheckTuple{Subject: ch.Subject.toEntity(), Permission: ch.Permission, Object: ch.Object.toEntity()}
		}
		results, err := eng.CheckBatch(c.Request().Context(), checks, opts)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err))
		}
		return c.JSON(http.StatusOK, map[string][]bool{"results": results})
	}
}

type expandRequest struct {
	Permission string    `json:"permission"`
	Object     entityDTO `json:"object"`
	Zone       string    `json:"zone"`
}

func handleExpand(eng *engine.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req expandRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errBody(err))
		}
		entities, err := eng.Graph.Expand(c.Request().Context(), req.Permission, req.Object.toEntity(), req.Zone)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err))
		}
		out := make([]entityDTO, len(entities))
		for i, e := range entities {
			out[i] = entityDTO{Type: e.Type, ID: e.ID}
		}
		return c.JSON(http.StatusOK, map[string][]entityDTO{"members": out})
	}
}

type writeRequest struct {
	Subject         entityDTO       `json:"subject"`
	SubjectRelation *string         `json:"subject_relation"`
	Relation        string          `json:"relation"`
	Object          entityDTO       `json:"object"`
	Zone            string          `json:"zone"`
	ExpiresAt       *time.Time      `json:"expires_at"`
	Conditions      json.RawMessage `json:"conditions"`
	TenantID        *string         `json:"tenant_id"`
	SubjectTenantID *string         `json:"subject_tenant_id"`
	ObjectTenantID  *string         `json:"object_tenant_id"`
}

func handleWrite(eng *engine.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req writeRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errBody(err))
		}
		result, err := eng.Write(c.Request().Context(), tuplestore.WriteInput{
			Subject:         req.Subject.toEntity(),
			SubjectRelation: req.SubjectRelation,
			Relation:        req.Relation,
			Object:          req.Object.toEntity(),
			ExpiresAt:       req.ExpiresAt,
			Conditions:      req.Conditions,
			TenantID:        req.TenantID,
			SubjectTenantID: req.SubjectTenantID,
			ObjectTenantID:  req.ObjectTenantID,
			Zone:            req.Zone,
		})
		if err != nil {
			return c.JSON(http.StatusBadRequest, errBody(err))
		}
		return c.JSON(http.StatusCreated, result)
	}
}

func handleDelete(eng *engine.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		zone := c.Param("zone")
		tupleID := c.Param("tuple_id")
		ok, err := eng.Delete(c.Request().Context(), zone, tupleID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err))
		}
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func handleNamespacePut(eng *engine.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		objectType := c.Param("object_type")
		var config rebac.NamespaceConfig
		if err := c.Bind(&config); err != nil {
			return c.JSON(http.StatusBadRequest, errBody(err))
		}
		ns, err := eng.Namespaces.CreateOrUpdate(c.Request().Context(), objectType, config)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errBody(err))
		}
		return c.JSON(http.StatusOK, ns)
	}
}

type directoryGrantRequest struct {
	Subject            entityDTO `json:"subject"`
	Permission         string    `json:"permission"`
	DirectoryPath      string    `json:"directory_path"`
	Zone               string    `json:"zone"`
	IncludeFutureFiles bool      `json:"include_future_files"`
	ResourceType       string    `json:"resource_type"`
}

func handleDirectoryGrant(eng *engine.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req directoryGrantRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errBody(err))
		}
		if req.ResourceType == "" {
			req.ResourceType = "file"
		}
		grantID, err := eng.RecordDirectoryGrant(c.Request().Context(), req.Subject.toEntity(), req.Permission, req.DirectoryPath, req.Zone, req.IncludeFutureFiles, req.ResourceType)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errBody(err))
		}
		return c.JSON(http.StatusAccepted, map[string]string{"grant_id": grantID})
	}
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
