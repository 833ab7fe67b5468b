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
	"syscall"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ShutdownManager", func() {
	var (
		sm    *ShutdownManager
		order []string
	)

	BeforeEach(func() {
		order = nil
		sm = NewShutdownManager(&ShutdownConfig{
			GracefulTimeout: time.Second,
			PreShutdownHooks: []NamedHook{{Name: "pre", Hook: func(context.Context) error {
				order = append(order, "pre")
				return nil
			}}},
			PostShutdownHooks: []NamedHook{{Name: "post", Hook: func(context.Context) error {
				order = append(order, "post")
				return nil
			}}},
		}, logr.Discard())
	})

	It("should return sensible defaults", func() {
		defaults := DefaultShutdownConfig()
		Expect(defaults.GracefulTimeout).To(Equal(30 * time.Second))
		Expect(defaults.ShutdownSignals).To(ContainElements(syscall.SIGINT, syscall.SIGTERM))
	})

	It("should run hooks and phases in order", func() {
		sm.AddPhase("first", func(context.Context) error {
			order = append(order, "first")
			return nil
		})
		sm.AddPhase("second", func(context.Context) error {
			order = append(order, "second")
			return nil
		})

		Expect(sm.Shutdown("test")).To(Succeed())
		Expect(order).To(Equal([]string{"pre", "first", "second", "post"}))

		status := sm.GetShutdownStatus()
		Expect(status.Reason).To(Equal("test"))
		Expect(status.IsCompleted()).To(BeTrue())
		Expect(status.HasErrors()).To(BeFalse())
		Expect(status.GetDuration()).To(BeNumerically(">", 0))
	})

	It("should keep going after a failed or panicking step", func() {
		sm.AddPhase("failing", func(context.Context) error { return errors.New("boom") })
		sm.AddPhase("panicking", func(context.Context) error { panic("bad") })
		sm.AddPhase("last", func(context.Context) error {
			order = append(order, "last")
			return nil
		})

		err := sm.Shutdown("test")
		Expect(err).To(MatchError(ContainSubstring("shutdown step failing failed: boom")))
		Expect(err).To(MatchError(ContainSubstring("shutdown step panicking panicked")))
		Expect(order).To(ContainElement("last"))

		status := sm.GetShutdownStatus()
		Expect(status.HasErrors()).To(BeTrue())
		Expect(status.IsCompleted()).To(BeTrue())
		Expect(status.Steps[1].State).To(Equal(ShutdownStateFailed))
	})

	It("should hand a bounded context to the steps", func() {
		var deadline bool
		sm.AddPhase("deadline", func(ctx context.Context) error {
			_, deadline = ctx.Deadline()
			return nil
		})
		Expect(sm.Shutdown("test")).To(Succeed())
		Expect(deadline).To(BeTrue())
	})

	It("should refuse a second shutdown", func() {
		Expect(sm.Shutdown("first")).To(Succeed())
		Expect(sm.Shutdown("second")).To(MatchError("shutdown already started"))
	})

	It("should shut down when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		Expect(sm.Wait(ctx)).To(Succeed())
		Expect(sm.GetShutdownStatus().Reason).To(Equal("context cancelled"))
	})

	It("should report an idle status before shutdown", func() {
		status := sm.GetShutdownStatus()
		Expect(status.Started).To(BeFalse())
		Expect(status.IsCompleted()).To(BeFalse())
		Expect(status.GetDuration()).To(BeZero())
	})

	DescribeTable("state names",
		func(state ShutdownState, expected string) {
			Expect(state.String()).To(Equal(expected))
		},
		Entry("unknown", ShutdownStateUnknown, "unknown"),
		Entry("started", ShutdownStateStarted, "started"),
		Entry("completed", ShutdownStateCompleted, "completed"),
		Entry("failed", ShutdownStateFailed, "failed"),
	)
})
