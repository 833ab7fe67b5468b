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

package configadmin

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ahoma/depmgr/pkg/adapter"
	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/component"
	"github.com/ahoma/depmgr/pkg/dependency"
	"github.com/ahoma/depmgr/pkg/registry"
)

// listener is configured through a configuration dependency
type listener struct {
	mu   sync.Mutex
	port int
}

func (l *listener) Configure(_ context.Context, settings apis.Properties) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.port = settings.Int("port", 0)
	return nil
}

func (l *listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

var _ = Describe("Admin", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		host   *registry.Registry
		admin  *Admin
	)

	flush := func() {
		fctx, fcancel := context.WithTimeout(ctx, 5*time.Second)
		defer fcancel()
		Expect(admin.Flush(fctx)).To(Succeed())
	}

	register := func(pid string, c *consumer) registry.Registration {
		reg, err := host.Register([]string{apis.ManagedServiceInterface}, apis.Properties{apis.ServicePID: pid}, c)
		Expect(err).NotTo(HaveOccurred())
		return reg
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		host = registry.New()
		admin = New(host)
	})

	AfterEach(func() {
		admin.Stop()
		cancel()
	})

	Describe("records", func() {
		It("should stamp the identity keys", func() {
			Expect(admin.Update("db", apis.Properties{"url": "postgres://"})).To(Succeed())
			pid, err := admin.UpdateFactory("endpoint", "a", apis.Properties{"port": 80})
			Expect(err).NotTo(HaveOccurred())
			Expect(pid).To(Equal("endpoint~a"))

			rec, ok := admin.Get("db")
			Expect(ok).To(BeTrue())
			Expect(rec.Settings).To(HaveKeyWithValue(apis.ServicePID, "db"))
			Expect(rec.Settings).NotTo(HaveKey(apis.FactoryPID))

			rec, ok = admin.Get("endpoint~a")
			Expect(ok).To(BeTrue())
			Expect(rec.FactoryPID).To(Equal("endpoint"))
			Expect(rec.Settings).To(HaveKeyWithValue(apis.FactoryPID, "endpoint"))

			list := admin.List()
			Expect(list).To(HaveLen(2))
			Expect(list[0].PID).To(Equal("db"))
		})

		It("should reject empty identities", func() {
			Expect(admin.Update("", nil)).NotTo(Succeed())
			_, err := admin.UpdateFactory("endpoint", "", nil)
			Expect(err).To(HaveOccurred())
		})

		It("should report unknown deletions", func() {
			Expect(admin.Delete("missing")).To(MatchError(ErrNotFound))
		})

		It("should refuse to flush before start", func() {
			Expect(admin.Flush(ctx)).To(MatchError(ErrStopped))
		})
	})

	Describe("singleton delivery", func() {
		It("should deliver records stored before start", func() {
			c := &consumer{}
			register("db", c)
			Expect(admin.Update("db", apis.Properties{"url": "a"})).To(Succeed())

			Expect(admin.Start(ctx)).To(Succeed())
			flush()

			Expect(c.Received()).To(HaveLen(1))
			Expect(c.Last()).To(HaveKeyWithValue("url", "a"))
		})

		It("should deliver updates to consumers registered later", func() {
			Expect(admin.Start(ctx)).To(Succeed())
			Expect(admin.Update("db", apis.Properties{"url": "a"})).To(Succeed())
			flush()

			c := &consumer{}
			register("db", c)
			flush()
			Expect(c.Last()).To(HaveKeyWithValue("url", "a"))

			Expect(admin.Update("db", apis.Properties{"url": "b"})).To(Succeed())
			flush()
			Expect(c.Last()).To(HaveKeyWithValue("url", "b"))
		})

		It("should only deliver to the consumer of the pid", func() {
			Expect(admin.Start(ctx)).To(Succeed())
			db, cache := &consumer{}, &consumer{}
			register("db", db)
			register("cache", cache)

			Expect(admin.Update("db", apis.Properties{"url": "a"})).To(Succeed())
			flush()

			Expect(db.Received()).To(HaveLen(1))
			Expect(cache.Received()).To(BeEmpty())
		})

		It("should deliver nil settings on delete", func() {
			Expect(admin.Start(ctx)).To(Succeed())
			c := &consumer{}
			register("db", c)
			Expect(admin.Update("db", apis.Properties{"url": "a"})).To(Succeed())
			flush()

			Expect(admin.Delete("db")).To(Succeed())
			flush()

			received := c.Received()
			Expect(received).To(HaveLen(2))
			Expect(received[1]).To(BeNil())
			_, ok := admin.Get("db")
			Expect(ok).To(BeFalse())
		})

		It("should mark rejected records invalid and not redeliver them", func() {
			Expect(admin.Start(ctx)).To(Succeed())
			c := &consumer{rejectKey: "broken"}
			reg := register("db", c)

			Expect(admin.Update("db", apis.Properties{"broken": true})).To(Succeed())
			flush()

			rec, ok := admin.Get("db")
			Expect(ok).To(BeTrue())
			Expect(rec.Invalid).To(BeTrue())
			Expect(rec.Error).To(ContainSubstring("not accepted"))

			Expect(reg.Unregister()).To(Succeed())
			again := &consumer{}
			register("db", again)
			flush()
			Expect(again.Received()).To(BeEmpty())

			Expect(admin.Update("db", apis.Properties{"url": "fixed"})).To(Succeed())
			flush()
			Expect(again.Last()).To(HaveKeyWithValue("url", "fixed"))
			rec, _ = admin.Get("db")
			Expect(rec.Invalid).To(BeFalse())
		})

		It("should hand each revision to a consumer once", func() {
			Expect(admin.Start(ctx)).To(Succeed())
			c := &consumer{}
			register("db", c)
			Expect(admin.Update("db", apis.Properties{"url": "a"})).To(Succeed())
			flush()
			Expect(c.Received()).To(HaveLen(1))

			Expect(admin.Update("db", apis.Properties{"url": "b"})).To(Succeed())
			register("db", &consumer{})
			flush()
			Expect(c.Received()).To(HaveLen(2))
			Expect(c.Last()).To(HaveKeyWithValue("url", "b"))
		})

		It("should not hand a rejected revision out again", func() {
			Expect(admin.Start(ctx)).To(Succeed())
			c := &consumer{rejectKey: "broken"}
			register("db", c)
			Expect(admin.Update("db", apis.Properties{"broken": true})).To(Succeed())
			flush()

			Expect(c.Received()).To(HaveLen(1))
			rec, ok := admin.Get("db")
			Expect(ok).To(BeTrue())
			Expect(rec.Invalid).To(BeTrue())
		})

		It("should stop delivering after stop", func() {
			Expect(admin.Start(ctx)).To(Succeed())
			c := &consumer{}
			register("db", c)
			admin.Stop()

			Expect(admin.Update("db", apis.Properties{"url": "a"})).To(Succeed())
			Consistently(c.Received, 100*time.Millisecond).Should(BeEmpty())
		})
	})

	Describe("configuration dependencies", func() {
		It("should activate a component once its record arrives", func() {
			manager := component.NewManager(host)
			Expect(admin.Start(ctx)).To(Succeed())

			impl := &listener{}
			c := manager.CreateComponent().
				SetName("listener").
				SetInterfaces([]string{"example.Listener"}, nil).
				SetImplementation(component.Instance(impl))
			Expect(c.Add(dependency.Configuration("listener", dependency.Propagate()))).To(Succeed())
			Expect(manager.Add(c)).To(Succeed())
			Expect(c.State()).To(Equal(component.WaitingForRequired))

			Expect(admin.Update("listener", apis.Properties{"port": 8080})).To(Succeed())
			Eventually(c.State).Should(Equal(component.TrackingOptional))
			Expect(impl.Port()).To(Equal(8080))

			refs := host.Lookup(registry.MustFilter("example.Listener", "", ""))
			Expect(refs).To(HaveLen(1))
			Expect(refs[0].Properties()).To(HaveKeyWithValue(apis.ServicePID, "listener"))

			Expect(admin.Delete("listener")).To(Succeed())
			Eventually(c.State).Should(Equal(component.WaitingForRequired))
			Expect(manager.Shutdown(ctx)).To(Succeed())
		})
	})

	Describe("factory delivery", func() {
		var (
			manager *component.Manager
			factory *adapter.Adapter
		)

		BeforeEach(func() {
			manager = component.NewManager(host)
			factory = adapter.New(manager, "example.endpoint",
				adapter.WithInterfaces([]string{"example.Endpoint"}, apis.Properties{"kind": "endpoint"}),
				adapter.WithImplementation(component.Constructor(func() any { return &listener{} })),
			)
			Expect(factory.Publish()).To(Succeed())
			Expect(admin.Start(ctx)).To(Succeed())
		})

		AfterEach(func() {
			Expect(manager.Shutdown(ctx)).To(Succeed())
		})

		It("should create, update and remove children", func() {
			pid, err := admin.UpdateFactory("example.endpoint", "a", apis.Properties{"port": 1})
			Expect(err).NotTo(HaveOccurred())
			flush()

			Expect(factory.Children()).To(Equal([]string{pid}))
			child, _ := factory.Child(pid)
			Expect(child.Instance().(*listener).Port()).To(Equal(1))

			refs := host.Lookup(registry.MustFilter("example.Endpoint", "", ""))
			Expect(refs).To(HaveLen(1))
			props := refs[0].Properties()
			Expect(props).To(HaveKeyWithValue("kind", "endpoint"))
			Expect(props).To(HaveKeyWithValue(apis.FactoryPID, "example.endpoint"))

			_, err = admin.UpdateFactory("example.endpoint", "a", apis.Properties{"port": 2})
			Expect(err).NotTo(HaveOccurred())
			flush()
			Expect(factory.Children()).To(HaveLen(1))
			Expect(child.Instance().(*listener).Port()).To(Equal(2))

			Expect(admin.Delete(pid)).To(Succeed())
			flush()
			Expect(factory.Children()).To(BeEmpty())
			Expect(host.Lookup(registry.MustFilter("example.Endpoint", "", ""))).To(BeEmpty())
		})

		It("should ignore singleton records for the factory pid", func() {
			Expect(admin.Update("example.endpoint", apis.Properties{"port": 1})).To(Succeed())
			flush()
			Expect(factory.Children()).To(BeEmpty())
		})

		It("should create children for records stored before the factory appeared", func() {
			Expect(factory.Withdraw()).To(Succeed())
			_, err := admin.UpdateFactory("example.endpoint", "early", apis.Properties{"port": 3})
			Expect(err).NotTo(HaveOccurred())
			flush()
			Expect(factory.Children()).To(BeEmpty())

			again := adapter.New(manager, "example.endpoint",
				adapter.WithImplementation(component.Constructor(func() any { return &listener{} })),
			)
			Expect(again.Publish()).To(Succeed())
			flush()
			Expect(again.Children()).To(Equal([]string{"example.endpoint~early"}))
		})
	})
})

var _ = Describe("SplitPID", func() {
	DescribeTable("splitting",
		func(pid, factoryPID, name string) {
			f, n := SplitPID(pid)
			Expect(f).To(Equal(factoryPID))
			Expect(n).To(Equal(name))
		},
		Entry("singleton", "db", "", "db"),
		Entry("factory instance", "example.endpoint~a", "example.endpoint", "a"),
		Entry("nested separator", "a~b~c", "a~b", "c"),
		Entry("leading separator", "~a", "", "~a"),
		Entry("trailing separator", "a~", "", "a~"),
	)
})
