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


package launcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ahoma/depmgr/pkg/component"
	"github.com/ahoma/depmgr/pkg/configadmin"
	"github.com/ahoma/depmgr/pkg/registry"
)

// journal collects events from the fakes below in order
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(ev string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
}

func (j *journal) Events() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type fakeBundle struct {
	name     string
	journal  *journal
	startErr error
	service  *worker
}

func (b *fakeBundle) Name() string { return b.name }

func (b *fakeBundle) Start(_ context.Context, env *Environment) error {
	b.journal.add("start " + b.name)
	if b.startErr != nil {
		return b.startErr
	}
	b.service = &worker{journal: b.journal}
	c := env.Manager.CreateComponent().
		SetName(b.name + "-worker").
		SetImplementation(component.Instance(b.service))
	return env.Manager.Add(c)
}

func (b *fakeBundle) Stop(context.Context) error {
	b.journal.add("stop " + b.name)
	return nil
}

type worker struct {
	journal *journal
}

func (w *worker) Stop(context.Context) error {
	w.journal.add("worker stopped")
	return nil
}

type fakeRunnable struct {
	journal *journal
	err     error
}

func (r *fakeRunnable) Start(ctx context.Context) error {
	r.journal.add("runnable started")
	if r.err != nil {
		return r.err
	}
	<-ctx.Done()
	r.journal.add("runnable stopped")
	return nil
}

type fakeReadiness struct {
	journal *journal
}

func (r *fakeReadiness) MarkStarted()       { r.journal.add("ready") }
func (r *fakeReadiness) SetNotReady(string) { r.journal.add("not ready") }

type fakeSource struct {
	journal *journal
	syncs   int
}

func (s *fakeSource) Sync() error {
	s.syncs++
	s.journal.add("sync")
	return nil
}

func (s *fakeSource) Start(ctx context.Context) error {
	s.journal.add("source following")
	<-ctx.Done()
	return nil
}

var _ = Describe("Launcher", func() {
	var (
		j       *journal
		manager *component.Manager
		admin   *configadmin.Admin
		config  *ShutdownConfig
	)

	BeforeEach(func() {
		j = &journal{}
		host := registry.New()
		manager = component.NewManager(host)
		admin = configadmin.New(host)
		config = &ShutdownConfig{GracefulTimeout: 5 * time.Second}
	})

	run := func(l *Launcher, ctx context.Context) chan error {
		done := make(chan error, 1)
		go func() { done <- l.Run(ctx) }()
		return done
	}

	It("should start bundles and shut everything down in order", func() {
		bundle := &fakeBundle{name: "demo", journal: j}
		l := New(manager, admin,
			WithLogger(logr.Discard()),
			WithShutdownConfig(config),
			WithReadiness(&fakeReadiness{journal: j}),
			WithRunnable("server", &fakeRunnable{journal: j}),
			WithBundles(bundle),
		)

		ctx, cancel := context.WithCancel(context.Background())
		done := run(l, ctx)

		Eventually(j.Events).Should(ContainElement("ready"))
		Eventually(j.Events).Should(ContainElement("runnable started"))
		Expect(manager.Components()).To(HaveLen(1))
		Expect(manager.Components()[0].State().IsActive()).To(BeTrue())

		cancel()
		Eventually(done, 10*time.Second).Should(Receive(BeNil()))

		events := j.Events()
		Expect(events).To(ContainElements("not ready", "stop demo", "worker stopped", "runnable stopped"))
		Expect(indexOf(events, "not ready")).To(BeNumerically("<", indexOf(events, "stop demo")))
		Expect(indexOf(events, "stop demo")).To(BeNumerically("<", indexOf(events, "worker stopped")))
		Expect(indexOf(events, "worker stopped")).To(BeNumerically("<", indexOf(events, "runnable stopped")))
		Expect(manager.Components()).To(BeEmpty())

		status := l.ShutdownStatus()
		Expect(status.Started).To(BeTrue())
		Expect(status.Reason).To(Equal("context cancelled"))
		Expect(status.IsCompleted()).To(BeTrue())
		Expect(status.HasErrors()).To(BeFalse())
		Expect(stepNames(status)).To(Equal([]string{"readiness", "bundles", "components", "configadmin", "background"}))
	})

	It("should sync the configuration source once when not following", func() {
		src := &fakeSource{journal: j}
		l := New(manager, admin, WithShutdownConfig(config), WithConfigSource(src, false))

		ctx, cancel := context.WithCancel(context.Background())
		done := run(l, ctx)
		Eventually(j.Events).Should(ContainElement("sync"))
		cancel()
		Eventually(done, 10*time.Second).Should(Receive(BeNil()))

		Expect(src.syncs).To(Equal(1))
		Expect(j.Events()).NotTo(ContainElement("source following"))
	})

	It("should keep a following source running until shutdown", func() {
		src := &fakeSource{journal: j}
		l := New(manager, admin, WithShutdownConfig(config), WithConfigSource(src, true))

		ctx, cancel := context.WithCancel(context.Background())
		done := run(l, ctx)
		Eventually(j.Events).Should(ContainElement("source following"))
		cancel()
		Eventually(done, 10*time.Second).Should(Receive(BeNil()))
	})

	It("should shut down when a background service fails", func() {
		l := New(manager, admin,
			WithShutdownConfig(config),
			WithRunnable("server", &fakeRunnable{journal: j, err: errors.New("address in use")}),
		)

		done := run(l, context.Background())
		var err error
		Eventually(done, 10*time.Second).Should(Receive(&err))
		Expect(err).To(MatchError(ContainSubstring("address in use")))
		Expect(l.ShutdownStatus().Started).To(BeTrue())
	})

	It("should shut down the started bundles when one fails to start", func() {
		first := &fakeBundle{name: "first", journal: j}
		second := &fakeBundle{name: "second", journal: j, startErr: errors.New("boom")}
		l := New(manager, admin, WithShutdownConfig(config), WithBundles(first))
		l.AddBundle(second)

		done := run(l, context.Background())
		var err error
		Eventually(done, 10*time.Second).Should(Receive(&err))
		Expect(err).To(MatchError(ContainSubstring("failed to start bundle second")))
		Expect(j.Events()).To(ContainElement("stop first"))
		Expect(j.Events()).NotTo(ContainElement("stop second"))
	})

	It("should report no shutdown status before running", func() {
		Expect(New(manager, admin).ShutdownStatus()).To(BeNil())
	})
})

func indexOf(events []string, ev string) int {
	for i, e := range events {
		if e == ev {
			return i
		}
	}
	return -1
}

func stepNames(status *ShutdownStatus) []string {
	names := make([]string, 0, len(status.Steps))
	for _, s := range status.Steps {
		names = append(names, s.Name)
	}
	return names
}
