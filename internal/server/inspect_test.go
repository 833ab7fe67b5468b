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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/component"
	"github.com/ahoma/depmgr/pkg/configadmin"
	"github.com/ahoma/depmgr/pkg/dependency"
	"github.com/ahoma/depmgr/pkg/interfaces"
	"github.com/ahoma/depmgr/pkg/registry"
)

type greeter struct{}

var _ = Describe("InspectHandler", func() {
	var (
		manager *component.Manager
		admin   *configadmin.Admin
		handler *InspectHandler
		engine  *gin.Engine
		waiting *component.Component
	)

	BeforeEach(func() {
		host := registry.New()
		manager = component.NewManager(host)
		admin = configadmin.New(host)
		handler = NewInspectHandler(manager, admin, configadmin.ErrNotFound)
		engine = createTestEngine()
		handler.SetupRoutes(engine)

		waiting = manager.CreateComponent().
			SetName("greeter").
			SetInterfaces([]string{"example.Greeter"}, apis.Properties{"lang": "en"}).
			SetImplementation(component.Instance(&greeter{}))
		Expect(waiting.Add(dependency.Service("example.Clock", dependency.Required()))).To(Succeed())
		Expect(manager.Add(waiting)).To(Succeed())
	})

	Describe("components", func() {
		It("should list the components", func() {
			response := performRequest(engine, "GET", "/components", nil)
			Expect(response.Code).To(Equal(http.StatusOK))

			var result struct {
				Count      int                          `json:"count"`
				Components []interfaces.ComponentStatus `json:"components"`
			}
			Expect(parseJSONResponse(response, &result)).To(Succeed())
			Expect(result.Count).To(Equal(1))
			Expect(result.Components[0].Name).To(Equal("greeter"))
			Expect(result.Components[0].State).To(Equal(component.WaitingForRequired.String()))
			Expect(result.Components[0].Published).To(BeFalse())
		})

		It("should describe a component and its dependencies", func() {
			response := performRequest(engine, "GET", "/components/"+waiting.ID(), nil)
			Expect(response.Code).To(Equal(http.StatusOK))

			var status interfaces.ComponentStatus
			Expect(parseJSONResponse(response, &status)).To(Succeed())
			Expect(status.ID).To(Equal(waiting.ID()))
			Expect(status.Dependencies).To(HaveLen(1))
			Expect(status.Dependencies[0].Required).To(BeTrue())
			Expect(status.Dependencies[0].Available).To(BeFalse())
		})

		It("should answer 404 for unknown components", func() {
			response := performRequest(engine, "GET", "/components/unknown", nil)
			Expect(response.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("configurations", func() {
		It("should create, read and delete records", func() {
			response := performRequest(engine, "PUT", "/configurations/db", map[string]interface{}{"url": "postgres://db"})
			Expect(response.Code).To(Equal(http.StatusAccepted))

			response = performRequest(engine, "GET", "/configurations/db", nil)
			Expect(response.Code).To(Equal(http.StatusOK))
			var rec interfaces.Configuration
			Expect(parseJSONResponse(response, &rec)).To(Succeed())
			Expect(rec.Settings).To(HaveKeyWithValue("url", "postgres://db"))
			Expect(rec.Settings).To(HaveKeyWithValue(apis.ServicePID, "db"))

			response = performRequest(engine, "DELETE", "/configurations/db", nil)
			Expect(response.Code).To(Equal(http.StatusNoContent))

			response = performRequest(engine, "DELETE", "/configurations/db", nil)
			Expect(response.Code).To(Equal(http.StatusNotFound))

			response = performRequest(engine, "GET", "/configurations/db", nil)
			Expect(response.Code).To(Equal(http.StatusNotFound))
		})

		It("should create factory records", func() {
			response := performRequest(engine, "PUT", "/factories/example.endpoint/a", map[string]interface{}{"port": 8080})
			Expect(response.Code).To(Equal(http.StatusAccepted))

			var result map[string]interface{}
			Expect(parseJSONResponse(response, &result)).To(Succeed())
			Expect(result["pid"]).To(Equal("example.endpoint~a"))

			response = performRequest(engine, "GET", "/configurations", nil)
			Expect(response.Code).To(Equal(http.StatusOK))
			var list struct {
				Count          int                        `json:"count"`
				Configurations []interfaces.Configuration `json:"configurations"`
			}
			Expect(parseJSONResponse(response, &list)).To(Succeed())
			Expect(list.Count).To(Equal(1))
			Expect(list.Configurations[0].FactoryPID).To(Equal("example.endpoint"))
		})

		It("should reject malformed settings", func() {
			response := performRequest(engine, "PUT", "/configurations/db", []string{"not", "an", "object"})
			Expect(response.Code).To(Equal(http.StatusBadRequest))
		})

		It("should answer 503 without an admin", func() {
			e := createTestEngine()
			NewInspectHandler(manager, nil, nil).SetupRoutes(e)
			Expect(performRequest(e, "GET", "/configurations", nil).Code).To(Equal(http.StatusServiceUnavailable))
		})
	})
})

var _ = Describe("Server", func() {
	It("should serve until the context is cancelled", func() {
		health := NewHealthChecker(nil)
		health.MarkStarted()
		srv := NewServer("127.0.0.1:0", logr.Discard(), health, NewMetricsServer(nil), nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Start(ctx) }()

		Eventually(srv.Addr).ShouldNot(Equal("127.0.0.1:0"))

		var resp *http.Response
		Eventually(func() error {
			var err error
			resp, err = http.Get("http://" + srv.Addr() + "/readyz")
			return err
		}).Should(Succeed())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Body.Close()).To(Succeed())

		cancel()
		Eventually(done, 10*time.Second).Should(Receive(BeNil()))
	})
})
