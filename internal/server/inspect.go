/*
Copyright 2024 The Depmgr Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/interfaces"
)

// ErrNotFound is matched against admin errors to answer 404
var ErrNotFound = errors.New("not found")

// InspectHandler exposes component state and configuration records
type InspectHandler struct {
	inspector interfaces.ComponentInspector
	admin     interfaces.ConfigurationAdmin
	notFound  error
}

// NewInspectHandler creates the handler. admin may be nil, in which case the
// configuration routes answer 503. notFound is the error the admin returns
// for unknown records.
func NewInspectHandler(inspector interfaces.ComponentInspector, admin interfaces.ConfigurationAdmin, notFound error) *InspectHandler {
	if notFound == nil {
		notFound = ErrNotFound
	}
	return &InspectHandler{
		inspector: inspector,
		admin:     admin,
		notFound:  notFound,
	}
}

// ListComponents implements GET /components
func (h *InspectHandler) ListComponents(c *gin.Context) {
	statuses := h.inspector.ComponentStatuses()
	c.JSON(http.StatusOK, gin.H{
		"count":      len(statuses),
		"components": statuses,
	})
}

// GetComponent implements GET /components/:id
func (h *InspectHandler) GetComponent(c *gin.Context) {
	status, ok := h.inspector.ComponentStatus(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "component not found",
			"code":  "COMPONENT_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

// ListConfigurations implements GET /configurations
func (h *InspectHandler) ListConfigurations(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	records := h.admin.List()
	c.JSON(http.StatusOK, gin.H{
		"count":          len(records),
		"configurations": records,
	})
}

// GetConfiguration implements GET /configurations/:pid
func (h *InspectHandler) GetConfiguration(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	rec, ok := h.admin.Get(c.Param("pid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "configuration not found",
			"code":  "CONFIGURATION_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// PutConfiguration implements PUT /configurations/:pid with a JSON object of settings
func (h *InspectHandler) PutConfiguration(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	settings, ok := bindSettings(c)
	if !ok {
		return
	}

	pid := c.Param("pid")
	if err := h.admin.Update(pid, settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "failed to update configuration",
			"code":    "CONFIGURATION_UPDATE_FAILED",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pid": pid})
}

// PutFactoryConfiguration implements PUT /factories/:factoryPid/:name
func (h *InspectHandler) PutFactoryConfiguration(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	settings, ok := bindSettings(c)
	if !ok {
		return
	}

	pid, err := h.admin.UpdateFactory(c.Param("factoryPid"), c.Param("name"), settings)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "failed to update factory configuration",
			"code":    "CONFIGURATION_UPDATE_FAILED",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pid": pid})
}

// DeleteConfiguration implements DELETE /configurations/:pid
func (h *InspectHandler) DeleteConfiguration(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	err := h.admin.Delete(c.Param("pid"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, h.notFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "configuration not found",
			"code":  "CONFIGURATION_NOT_FOUND",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to delete configuration",
			"code":    "CONFIGURATION_DELETE_FAILED",
			"details": err.Error(),
		})
	}
}

// SetupRoutes configures the inspection routes on the given Gin router
func (h *InspectHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/components", h.ListComponents)
	router.GET("/components/:id", h.GetComponent)

	router.GET("/configurations", h.ListConfigurations)
	router.GET("/configurations/:pid", h.GetConfiguration)
	router.PUT("/configurations/:pid", h.PutConfiguration)
	router.DELETE("/configurations/:pid", h.DeleteConfiguration)
	router.PUT("/factories/:factoryPid/:name", h.PutFactoryConfiguration)
}

func (h *InspectHandler) requireAdmin(c *gin.Context) bool {
	if h.admin != nil {
		return true
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error": "configuration admin not available",
		"code":  "CONFIGURATION_ADMIN_UNAVAILABLE",
	})
	return false
}

func bindSettings(c *gin.Context) (apis.Properties, bool) {
	var settings apis.Properties
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "failed to parse settings",
			"code":    "INVALID_REQUEST_BODY",
			"details": err.Error(),
		})
		return nil, false
	}
	return settings, true
}
