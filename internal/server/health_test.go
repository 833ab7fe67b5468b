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
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ahoma/depmgr/pkg/component"
	"github.com/ahoma/depmgr/pkg/registry"
)

// brokenStarter fails to start
type brokenStarter struct{}

func (brokenStarter) Start(context.Context) error {
	return errors.New("port already in use")
}

var _ = Describe("HealthChecker", func() {
	var (
		healthChecker *HealthChecker
		manager       *component.Manager
		engine        *gin.Engine
	)

	BeforeEach(func() {
		manager = component.NewManager(registry.New())
		healthChecker = NewHealthChecker(manager)
		engine = createTestEngine()
		engine.GET("/healthz", healthChecker.HealthzHandler)
		engine.GET("/readyz", healthChecker.ReadyzHandler)
	})

	Describe("NewHealthChecker", func() {
		It("should record the start time", func() {
			Expect(healthChecker.startTime).To(BeTemporally("~", time.Now(), time.Second))
			Expect(healthChecker.IsHealthy()).To(BeTrue())
			Expect(healthChecker.IsReady()).To(BeFalse())
		})
	})

	Describe("HealthzHandler", func() {
		It("should return 200 OK while healthy", func() {
			response := performRequest(engine, "GET", "/healthz", nil)
			Expect(response.Code).To(Equal(http.StatusOK))

			var result map[string]interface{}
			Expect(parseJSONResponse(response, &result)).To(Succeed())
			Expect(result["status"]).To(Equal("healthy"))
			Expect(result).To(HaveKey("uptime"))
		})

		It("should return 503 when marked unhealthy", func() {
			healthChecker.SetUnhealthy("test failure reason")

			response := performRequest(engine, "GET", "/healthz", nil)
			Expect(response.Code).To(Equal(http.StatusServiceUnavailable))

			var result map[string]interface{}
			Expect(parseJSONResponse(response, &result)).To(Succeed())
			Expect(result["status"]).To(Equal("unhealthy"))
			Expect(result["reason"]).To(Equal("test failure reason"))

			healthChecker.ClearUnhealthy()
			Expect(performRequest(engine, "GET", "/healthz", nil).Code).To(Equal(http.StatusOK))
		})
	})

	Describe("ReadyzHandler", func() {
		It("should not be ready before the runtime started", func() {
			response := performRequest(engine, "GET", "/readyz", nil)
			Expect(response.Code).To(Equal(http.StatusServiceUnavailable))

			var result map[string]interface{}
			Expect(parseJSONResponse(response, &result)).To(Succeed())
			Expect(result["status"]).To(Equal("not ready"))
			Expect(result["checks"]).To(HaveKeyWithValue("runtime", "starting"))
		})

		It("should be ready once started", func() {
			healthChecker.MarkStarted()

			response := performRequest(engine, "GET", "/readyz", nil)
			Expect(response.Code).To(Equal(http.StatusOK))

			var result map[string]interface{}
			Expect(parseJSONResponse(response, &result)).To(Succeed())
			Expect(result["status"]).To(Equal("ready"))
			Expect(result["checks"]).To(HaveKeyWithValue("components", "ok"))
		})

		It("should honour the manual not ready flag", func() {
			healthChecker.MarkStarted()
			healthChecker.SetNotReady("draining")
			Expect(performRequest(engine, "GET", "/readyz", nil).Code).To(Equal(http.StatusServiceUnavailable))

			healthChecker.ClearNotReady()
			Expect(performRequest(engine, "GET", "/readyz", nil).Code).To(Equal(http.StatusOK))
		})

		It("should report failed components", func() {
			healthChecker.MarkStarted()
			c := manager.CreateComponent().
				SetName("broken").
				SetImplementation(component.Instance(brokenStarter{}))
			Expect(manager.Add(c)).NotTo(Succeed())

			response := performRequest(engine, "GET", "/readyz", nil)
			Expect(response.Code).To(Equal(http.StatusServiceUnavailable))

			var result map[string]interface{}
			Expect(parseJSONResponse(response, &result)).To(Succeed())
			Expect(result["checks"]).To(HaveKeyWithValue("components", ContainSubstring("broken")))

			status := healthChecker.GetHealthStatus()
			Expect(status["ready"]).To(BeFalse())
			Expect(status["healthy"]).To(BeTrue())
		})

		It("should skip component checks without an inspector", func() {
			checker := NewHealthChecker(nil)
			checker.MarkStarted()
			Expect(checker.IsReady()).To(BeTrue())
		})
	})
})
