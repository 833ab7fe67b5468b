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

package component

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ahoma/depmgr/pkg/apis"
	"github.com/ahoma/depmgr/pkg/dependency"
	"github.com/ahoma/depmgr/pkg/registry"
)

const greeterInterface = "example.Greeter"

var _ = Describe("Component", func() {
	var (
		host    *registry.Registry
		manager *Manager

		failuresMu sync.Mutex
		failures   []error
	)

	published := func(iface string) int {
		return len(host.Lookup(registry.MustFilter(iface, "", "")))
	}

	reported := func() []error {
		failuresMu.Lock()
		defer failuresMu.Unlock()
		return append([]error(nil), failures...)
	}

	BeforeEach(func() {
		host = registry.New()
		failures = nil
		manager = NewManager(host, WithErrorHandler(func(_ *Component, err error) {
			failuresMu.Lock()
			defer failuresMu.Unlock()
			failures = append(failures, err)
		}))
	})

	Describe("required service dependency", func() {
		var (
			p   *worker
			c   *Component
			dep *dependency.ServiceDependency
		)

		BeforeEach(func() {
			p = newWorker()
			dep = dependency.Service("example.Store", dependency.Required())
			c = manager.CreateComponent().
				SetName("greeter").
				SetInterfaces([]string{greeterInterface}, apis.Properties{"lang": "en"}).
				SetImplementation(Instance(p))
			Expect(c.Add(dep)).To(Succeed())
			Expect(manager.Add(c)).To(Succeed())
		})

		It("should wait while the dependency is missing", func() {
			Expect(c.State()).To(Equal(WaitingForRequired))
			Expect(c.IsPublished()).To(BeFalse())
			Expect(published(greeterInterface)).To(BeZero())
			Expect(p.Calls()).To(BeEmpty())
		})

		It("should publish once the sole candidate appears and unpublish when it goes", func() {
			store := &struct{ name string }{"primary"}
			reg, err := host.Register([]string{"example.Store"}, nil, store)
			Expect(err).NotTo(HaveOccurred())

			Eventually(c.State).Should(Equal(TrackingOptional))
			Expect(published(greeterInterface)).To(Equal(1))
			Expect(p.Injected("example.Store")).To(BeIdenticalTo(store))
			Expect(p.Calls()).To(Equal([]string{"init", "start"}))

			Expect(reg.Unregister()).To(Succeed())

			Eventually(c.State).Should(Equal(WaitingForRequired))
			Expect(published(greeterInterface)).To(BeZero())
			Expect(p.Calls()).To(Equal([]string{"init", "start", "stop", "destroy"}))
			Expect(p.Injected("example.Store")).To(BeNil())
		})

		It("should publish the declared service properties", func() {
			_, err := host.Register([]string{"example.Store"}, nil, "store")
			Expect(err).NotTo(HaveOccurred())

			refs := host.Lookup(registry.MustFilter(greeterInterface, "lang=en", ""))
			Expect(refs).To(HaveLen(1))
			Expect(refs[0].Service()).To(BeIdenticalTo(p))

			c.SetServiceProperties(apis.Properties{"lang": "fr"})
			Eventually(func() int {
				return len(host.Lookup(registry.MustFilter(greeterInterface, "lang=fr", "")))
			}).Should(Equal(1))
		})

		It("should deactivate exactly once when removals race", func() {
			dep2 := dependency.Service("example.Cache", dependency.Required(), dependency.WithFilter("tier=primary"))
			Expect(c.Add(dep2)).To(Succeed())
			_, err := host.Register([]string{"example.Store"}, nil, "store")
			Expect(err).NotTo(HaveOccurred())

			const rounds = 10
			for i := 0; i < rounds; i++ {
				reg, err := host.Register([]string{"example.Cache"}, apis.Properties{"tier": "primary"}, "cache")
				Expect(err).NotTo(HaveOccurred())
				Eventually(c.State).Should(Equal(TrackingOptional))

				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_ = reg.SetProperties(apis.Properties{"tier": "secondary"})
				}()
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_ = reg.Unregister()
				}()
				wg.Wait()

				Eventually(c.State).Should(Equal(WaitingForRequired))
				Expect(published(greeterInterface)).To(BeZero())
			}

			Expect(p.Count("start")).To(Equal(rounds))
			Expect(p.Count("stop")).To(Equal(rounds))
			Expect(p.Count("destroy")).To(Equal(rounds))
		})
	})

	Describe("optional dependencies", func() {
		It("should deliver optional changes without a stop/start cycle", func() {
			p := newWorker()
			required := dependency.Custom("db", dependency.Required(), dependency.AutoConfig(true))
			var added, removed int
			var mu sync.Mutex
			optional := dependency.Custom("cache", dependency.AutoConfig(true), dependency.WithCallbacks(
				func(context.Context, any, dependency.Event) error {
					mu.Lock()
					defer mu.Unlock()
					added++
					return nil
				},
				nil,
				func(context.Context, any, dependency.Event) error {
					mu.Lock()
					defer mu.Unlock()
					removed++
					return nil
				},
			))

			c := manager.CreateComponent().SetImplementation(Instance(p))
			Expect(c.Add(required, optional)).To(Succeed())
			Expect(required.Add("db-1", "db", nil)).To(Succeed())
			Expect(manager.Add(c)).To(Succeed())
			Expect(c.State()).To(Equal(Instantiated))

			Expect(optional.Add("cache-1", "cache", nil)).To(Succeed())
			Eventually(c.State).Should(Equal(TrackingOptional))
			Expect(p.Injected("cache")).To(Equal("cache"))

			Expect(optional.Remove("cache-1")).To(Succeed())
			Eventually(c.State).Should(Equal(Instantiated))
			Expect(p.Injected("cache")).To(BeNil())

			mu.Lock()
			defer mu.Unlock()
			Expect(added).To(Equal(1))
			Expect(removed).To(Equal(1))
			Expect(p.Calls()).To(Equal([]string{"init", "start"}))
		})

		It("should reject a required dependency once instantiated", func() {
			c := manager.CreateComponent().SetImplementation(Instance(newWorker()))
			Expect(manager.Add(c)).To(Succeed())
			Expect(c.State().IsActive()).To(BeTrue())

			err := c.Add(dependency.Custom("late", dependency.Required()))
			Expect(errors.Is(err, apis.ErrRequiredAfterStart)).To(BeTrue())
			Expect(c.Add(dependency.Custom("extra"))).To(Succeed())
			Eventually(func() int { return len(c.Dependencies()) }).Should(Equal(1))
		})
	})

	Describe("instance-bound dependencies", func() {
		It("should bind dependencies added during Init to the instance", func() {
			p := newWorker()
			late := dependency.Custom("late", dependency.Required(), dependency.AutoConfig(true))
			p.onInit = func(b *Binder) error {
				return b.Add(late)
			}

			c := manager.CreateComponent().
				SetInterfaces([]string{greeterInterface}, nil).
				SetImplementation(Instance(p))
			Expect(manager.Add(c)).To(Succeed())

			Expect(c.State()).To(Equal(InstantiatedAndWaitingForStart))
			Expect(late.IsInstanceBound()).To(BeTrue())
			Expect(published(greeterInterface)).To(BeZero())

			Expect(late.Add("x", "value", nil)).To(Succeed())
			Eventually(c.State).Should(Equal(TrackingOptional))
			Expect(p.Injected("late")).To(Equal("value"))
			Expect(published(greeterInterface)).To(Equal(1))

			Expect(late.Remove("x")).To(Succeed())
			Eventually(c.State).Should(Equal(InstantiatedAndWaitingForStart))
			Expect(p.Calls()).To(Equal([]string{"init", "start", "stop"}))
		})
	})

	Describe("Binder", func() {
		It("should not bind dependencies added by other goroutines during Init", func() {
			p := newWorker()
			entered, release := make(chan struct{}), make(chan struct{})
			p.onInit = func(*Binder) error {
				close(entered)
				<-release
				return nil
			}
			c := manager.CreateComponent().SetImplementation(Instance(p))

			added := make(chan error, 1)
			go func() { added <- manager.Add(c) }()
			Eventually(entered).Should(BeClosed())

			extra := dependency.Custom("extra")
			Expect(c.Add(extra)).To(Succeed())
			close(release)

			Eventually(added).Should(Receive(BeNil()))
			Eventually(func() []dependency.Dependency { return c.Dependencies() }).Should(ContainElement(extra))
			Expect(extra.IsInstanceBound()).To(BeFalse())
		})

		It("should refuse dependencies once Init returned", func() {
			p := newWorker()
			var kept *Binder
			p.onInit = func(b *Binder) error {
				kept = b
				return nil
			}
			c := manager.CreateComponent().SetImplementation(Instance(p))
			Expect(manager.Add(c)).To(Succeed())

			Expect(kept.Component()).To(BeIdenticalTo(c))
			err := kept.Add(dependency.Custom("late"))
			Expect(errors.Is(err, apis.ErrInitFinished)).To(BeTrue())
		})
	})

	Describe("implementations", func() {
		It("should construct a fresh instance per activation", func() {
			var (
				mu        sync.Mutex
				instances []*worker
			)
			req := dependency.Custom("db", dependency.Required())
			c := manager.CreateComponent().SetImplementation(Constructor(func() any {
				mu.Lock()
				defer mu.Unlock()
				p := newWorker()
				instances = append(instances, p)
				return p
			}))
			Expect(c.Add(req)).To(Succeed())
			Expect(manager.Add(c)).To(Succeed())

			for i := 0; i < 2; i++ {
				Expect(req.Add("db", "db", nil)).To(Succeed())
				Eventually(c.State).Should(Equal(TrackingOptional))
				Expect(req.Remove("db")).To(Succeed())
				Eventually(c.State).Should(Equal(WaitingForRequired))
				Expect(c.Instance()).To(BeNil())
			}

			mu.Lock()
			defer mu.Unlock()
			Expect(instances).To(HaveLen(2))
			Expect(instances[0]).NotTo(BeIdenticalTo(instances[1]))
			for _, p := range instances {
				Expect(p.Calls()).To(Equal([]string{"init", "start", "stop", "destroy"}))
			}
		})

		It("should reuse a shared instance", func() {
			p := newWorker()
			req := dependency.Custom("db", dependency.Required())
			c := manager.CreateComponent().SetImplementation(Instance(p))
			Expect(c.Add(req)).To(Succeed())
			Expect(manager.Add(c)).To(Succeed())

			for i := 0; i < 2; i++ {
				Expect(req.Add("db", "db", nil)).To(Succeed())
				Eventually(c.Instance).Should(BeIdenticalTo(p))
				Expect(req.Remove("db")).To(Succeed())
				Eventually(c.State).Should(Equal(WaitingForRequired))
			}
			Expect(p.Count("init")).To(Equal(2))
		})

		It("should fail fast when a declared hook is missing", func() {
			c := manager.CreateComponent().
				SetImplementation(Instance(&struct{}{})).
				SetCallbacks(HookStart)
			err := manager.Add(c)
			Expect(errors.Is(err, apis.ErrMissingHook)).To(BeTrue())
			_, ok := manager.Get(c.ID())
			Expect(ok).To(BeFalse())
		})

		It("should deliver hooks to the callback target and injections to the composition", func() {
			target := newWorker()
			part := newWorker()
			req := dependency.Custom("db", dependency.Required(), dependency.AutoConfig(true))
			Expect(req.Add("db", "conn", nil)).To(Succeed())

			c := manager.CreateComponent().
				SetImplementation(Instance(&struct{}{})).
				SetCallbackTarget(target).
				SetComposition(func(any) []any { return []any{part} })
			Expect(c.Add(req)).To(Succeed())
			Expect(manager.Add(c)).To(Succeed())

			Expect(c.State()).To(Equal(TrackingOptional))
			Expect(target.Calls()).To(Equal([]string{"init", "start"}))
			Expect(part.Calls()).To(BeEmpty())
			Expect(part.Injected("db")).To(Equal("conn"))
			Expect(target.Injected("db")).To(Equal("conn"))
		})
	})

	Describe("failures", func() {
		It("should leave the component inactive and report a failing Start", func() {
			p := newWorker()
			p.failOn = "start"
			c := manager.CreateComponent().
				SetInterfaces([]string{greeterInterface}, nil).
				SetImplementation(Instance(p))

			err := manager.Add(c)
			Expect(err).To(HaveOccurred())

			var ce *apis.ComponentError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Op).To(Equal("start"))
			Expect(c.State()).To(Equal(Inactive))
			Expect(c.LastError()).To(MatchError(ContainSubstring("start failed")))
			Expect(published(greeterInterface)).To(BeZero())
			Expect(reported()).To(HaveLen(1))
			Expect(p.Calls()).To(Equal([]string{"init", "start", "destroy"}))
		})

		It("should contain a panicking Init", func() {
			p := newWorker()
			p.panicOn = "init"
			c := manager.CreateComponent().SetImplementation(Instance(p))

			err := manager.Add(c)
			Expect(errors.Is(err, apis.ErrCallback)).To(BeTrue())
			Expect(c.State()).To(Equal(Inactive))
			Expect(c.Instance()).To(BeNil())
		})

		It("should report an instantiation failure", func() {
			c := manager.CreateComponent().SetImplementation(FromFactory(FactoryFunc(func() (any, error) {
				return nil, errors.New("no database")
			})))

			err := manager.Add(c)
			Expect(errors.Is(err, apis.ErrInstantiation)).To(BeTrue())
			Expect(c.State()).To(Equal(Inactive))
			Expect(reported()).To(HaveLen(1))
		})
	})

	Describe("notification goroutines", func() {
		var (
			p       *worker
			c       *Component
			removed chan error
		)

		failing := dependency.WithCallbacks(func(context.Context, any, dependency.Event) error {
			return errors.New("cannot use match")
		}, nil, nil)

		removeAsync := func() {
			removed = make(chan error, 1)
			go func() { removed <- manager.Remove(c) }()
		}

		BeforeEach(func() {
			p = newWorker()
			c = manager.CreateComponent().
				SetName("maintenance").
				SetInterfaces([]string{greeterInterface}, nil).
				SetImplementation(Instance(p))
		})

		It("should stay removable after a window callback fails", func() {
			var (
				clockMu sync.Mutex
				now     = time.Date(2025, 10, 6, 1, 0, 0, 0, time.UTC)
			)
			clock := func() time.Time {
				clockMu.Lock()
				defer clockMu.Unlock()
				return now
			}
			window := dependency.TimeWindow("window", "0 2 * * *", "1h", failing).
				WithInterval(10 * time.Millisecond).
				WithClock(clock)
			Expect(c.Add(window)).To(Succeed())
			Expect(manager.Add(c)).To(Succeed())

			clockMu.Lock()
			now = time.Date(2025, 10, 6, 2, 30, 0, 0, time.UTC)
			clockMu.Unlock()

			Eventually(c.LastError).Should(MatchError(ContainSubstring("cannot use match")))
			Eventually(c.State).Should(Equal(Inactive))

			removeAsync()
			Eventually(removed, 2*time.Second).Should(Receive(BeNil()))
			Expect(c.State()).To(Equal(Destroyed))
		})

		It("should stay removable after a resource callback fails", func() {
			dir := GinkgoT().TempDir()
			Expect(c.Add(dependency.Resource(dir, "*.tmpl", failing))).To(Succeed())
			Expect(manager.Add(c)).To(Succeed())

			Expect(os.WriteFile(filepath.Join(dir, "a.tmpl"), []byte("x"), 0o600)).To(Succeed())

			Eventually(c.LastError, 5*time.Second).Should(MatchError(ContainSubstring("cannot use match")))
			Eventually(c.State).Should(Equal(Inactive))

			removeAsync()
			Eventually(removed, 2*time.Second).Should(Receive(BeNil()))
		})
	})

	Describe("configuration", func() {
		var (
			p   configurableWorker
			c   *Component
			cfg *dependency.ConfigurationDependency
		)

		BeforeEach(func() {
			p = configurableWorker{newWorker()}
			cfg = dependency.Configuration("example.greeter", dependency.Propagate())
			c = manager.CreateComponent().
				SetInterfaces([]string{greeterInterface}, apis.Properties{"lang": "en"}).
				SetImplementation(Instance(p)).
				SetCallbacks(HookConfigure)
			Expect(c.Add(cfg)).To(Succeed())
			Expect(manager.Add(c)).To(Succeed())
		})

		It("should publish a ManagedService for the pid", func() {
			refs := host.Lookup(registry.MustFilter(apis.ManagedServiceInterface, "service.pid=example.greeter", ""))
			Expect(refs).To(HaveLen(1))
		})

		It("should return a rejection distinctly and keep waiting", func() {
			err := cfg.Updated(context.Background(), apis.Properties{"port": "http"})

			var ce *apis.ConfigurationError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.PID).To(Equal("example.greeter"))
			Expect(ce.Property).To(Equal("port"))
			Expect(c.State()).To(Equal(WaitingForRequired))
			Expect(cfg.Settings()).To(BeNil())
			Expect(reported()).To(BeEmpty())
		})

		It("should keep the previous settings after a rejected update", func() {
			Expect(cfg.Updated(context.Background(), apis.Properties{"port": 8080, ".secret": "x"})).To(Succeed())
			Expect(c.State()).To(Equal(TrackingOptional))
			Expect(p.Settings().Int("port", 0)).To(Equal(8080))

			refs := host.Lookup(registry.MustFilter(greeterInterface, "port=8080,lang=en", ""))
			Expect(refs).To(HaveLen(1))
			Expect(refs[0].Properties()).NotTo(HaveKey(".secret"))

			err := cfg.Updated(context.Background(), apis.Properties{"port": "http"})
			Expect(apis.IsConfigurationError(err)).To(BeTrue())
			Expect(c.State()).To(Equal(TrackingOptional))
			Expect(cfg.Settings().Int("port", 0)).To(Equal(8080))
			Expect(p.Count("start")).To(Equal(1))
		})

		It("should deactivate when the configuration is deleted", func() {
			Expect(cfg.Updated(context.Background(), apis.Properties{"port": 1})).To(Succeed())
			Expect(cfg.Updated(context.Background(), nil)).To(Succeed())
			Expect(c.State()).To(Equal(WaitingForRequired))
			Expect(p.Calls()).To(Equal([]string{"configure", "init", "start", "stop", "destroy"}))
		})
	})

	Describe("state listeners", func() {
		It("should observe every transition in order", func() {
			rec := &stateRecorder{}
			c := manager.CreateComponent().
				SetImplementation(Instance(newWorker())).
				AddStateListener(rec)
			Expect(manager.Add(c)).To(Succeed())
			Expect(manager.Remove(c)).To(Succeed())

			Expect(rec.States()).To(Equal([]State{
				WaitingForRequired,
				InstantiatedAndWaitingForStart,
				TrackingOptional,
				InstantiatedAndWaitingForStart,
				WaitingForRequired,
				Inactive,
				Destroyed,
			}))
		})
	})

	Describe("Copy", func() {
		It("should produce an independent inactive component", func() {
			req := dependency.Custom("db", dependency.Required())
			rec := &stateRecorder{}
			c := manager.CreateComponent().
				SetName("template").
				SetImplementation(Constructor(func() any { return newWorker() })).
				AddStateListener(rec)
			Expect(c.Add(req)).To(Succeed())

			cp := c.Copy()
			Expect(cp.ID()).NotTo(Equal(c.ID()))
			Expect(cp.Name()).To(Equal("template"))
			Expect(cp.State()).To(Equal(Inactive))
			Expect(cp.Dependencies()).To(HaveLen(1))
			Expect(cp.Dependencies()[0]).NotTo(BeIdenticalTo(req))
			Expect(cp.StateListeners()).To(ConsistOf(rec))
		})
	})

	Describe("Manager", func() {
		It("should reject unknown and duplicate components", func() {
			c := manager.CreateComponent().SetImplementation(Instance(newWorker()))
			Expect(errors.Is(manager.Remove(c), apis.ErrUnknownComponent)).To(BeTrue())
			Expect(manager.Add(c)).To(Succeed())
			Expect(errors.Is(manager.Add(c), apis.ErrAlreadyAdded)).To(BeTrue())

			other := NewManager(host)
			Expect(errors.Is(other.Add(c), apis.ErrUnknownComponent)).To(BeTrue())
		})

		It("should activate a removed component again when it is re-added", func() {
			p := newWorker()
			c := manager.CreateComponent().
				SetInterfaces([]string{greeterInterface}, nil).
				SetImplementation(Instance(p))
			Expect(manager.Add(c)).To(Succeed())
			Expect(manager.Remove(c)).To(Succeed())
			Expect(c.State()).To(Equal(Destroyed))

			added := make(chan error, 1)
			go func() { added <- manager.Add(c) }()
			Eventually(added, 2*time.Second).Should(Receive(BeNil()))

			Expect(c.State().IsActive()).To(BeTrue())
			Expect(published(greeterInterface)).To(Equal(1))
			Expect(p.Count("start")).To(Equal(2))
		})

		It("should recover a failed component when it is re-added", func() {
			p := newWorker()
			p.failOn = "start"
			c := manager.CreateComponent().SetImplementation(Instance(p))
			Expect(manager.Add(c)).NotTo(Succeed())
			Expect(manager.Remove(c)).To(Succeed())

			p.mu.Lock()
			p.failOn = ""
			p.mu.Unlock()
			Expect(manager.Add(c)).To(Succeed())
			Expect(c.State().IsActive()).To(BeTrue())
		})

		It("should require an implementation", func() {
			err := manager.Add(manager.CreateComponent())
			Expect(errors.Is(err, apis.ErrNoImplementation)).To(BeTrue())
		})

		It("should list statuses sorted by name", func() {
			b := manager.CreateComponent().SetName("b").SetImplementation(Instance(newWorker()))
			a := manager.CreateComponent().SetName("a").SetImplementation(Instance(newWorker()))
			Expect(a.Add(dependency.Custom("db", dependency.Required()))).To(Succeed())
			Expect(manager.Add(b)).To(Succeed())
			Expect(manager.Add(a)).To(Succeed())

			statuses := manager.ComponentStatuses()
			Expect(statuses).To(HaveLen(2))
			Expect(statuses[0].Name).To(Equal("a"))
			Expect(statuses[0].State).To(Equal("waiting-for-required"))
			Expect(statuses[0].Dependencies).To(HaveLen(1))
			Expect(statuses[0].Dependencies[0].Required).To(BeTrue())
			Expect(statuses[1].State).To(Equal("tracking-optional"))

			status, ok := manager.ComponentStatus(b.ID())
			Expect(ok).To(BeTrue())
			Expect(status.Name).To(Equal("b"))
		})

		It("should shut down every component despite failures", func() {
			failing := newWorker()
			failing.failOn = "stop"
			panicking := newWorker()
			panicking.panicOn = "destroy"
			healthy := newWorker()

			var components []*Component
			for _, p := range []*worker{failing, panicking, healthy} {
				c := manager.CreateComponent().SetImplementation(Instance(p))
				Expect(manager.Add(c)).To(Succeed())
				components = append(components, c)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := manager.Shutdown(ctx)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("stop failed"))
			Expect(err.Error()).To(ContainSubstring("destroy exploded"))
			for _, c := range components {
				Expect(c.State()).To(Equal(Destroyed))
			}
			Expect(healthy.Calls()).To(Equal([]string{"init", "start", "stop", "destroy"}))
			Expect(manager.Components()).To(BeEmpty())
			Expect(errors.Is(manager.Add(manager.CreateComponent().SetImplementation(Instance(newWorker()))), apis.ErrShuttingDown)).To(BeTrue())
		})
	})
})
