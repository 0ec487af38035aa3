package lab

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lsst-sqre/nublado/internal/config"
	"github.com/lsst-sqre/nublado/pkg/events"
	"github.com/lsst-sqre/nublado/pkg/images"

	"github.com/go-logr/logr"
)

// Behavior-style coverage of the lab lifecycle state machine (spec.md
// §4.E), matching the teacher's Describe/It/Expect idiom for scenarios
// that read as a narrative across states rather than a single assertion.
var _ = Describe("Lab lifecycle state machine", func() {
	DescribeTable("canCreate",
		func(status Status, want error) {
			Expect(canCreate(status)).To(Equal(want))
		},
		Entry("from absent, creation is allowed", StatusAbsent, nil),
		Entry("from pending, a second create is rejected as already existing", StatusPending, ErrAlreadyExists),
		Entry("from running, a second create is rejected as already existing", StatusRunning, ErrAlreadyExists),
		Entry("from terminating, create is rejected as a conflict", StatusTerminating, ErrConflict),
		Entry("from failed, create is rejected until an explicit delete", StatusFailed, ErrAlreadyExists),
	)

	DescribeTable("canDelete",
		func(status Status, want bool) {
			Expect(canDelete(status)).To(Equal(want))
		},
		Entry("absent has nothing to delete", StatusAbsent, false),
		Entry("pending can be cancelled by delete", StatusPending, true),
		Entry("running can be torn down", StatusRunning, true),
		Entry("terminating accepts a redundant delete", StatusTerminating, true),
		Entry("failed can be cleared by delete", StatusFailed, true),
	)

	Describe("Manager.Create", func() {
		var (
			mgr *Manager
			ctx context.Context
		)

		BeforeEach(func() {
			ctx = context.Background()
			cfg := config.LabSettings{
				NamespacePrefix: "userlabs",
				SpawnTimeout:    2 * time.Second,
				DeleteTimeout:   2 * time.Second,
				Sizes: map[string]config.Size{
					"small": {CPULimit: 1, CPUFraction: 0.25, MemLimit: 1 << 30, MemFraction: 0.25},
				},
			}
			resolver := &fakeResolver{ok: true, img: images.RSPImage{Digest: "sha256:a"}}
			mgr, _ = newStepsTestManager(cfg)
			mgr.images = resolver
		})

		It("transitions a fresh user straight to pending", func() {
			Expect(mgr.Create(ctx, "rachel", Request{Size: "small"})).To(Succeed())
			snap, err := mgr.Status("rachel")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Status).To(Equal(StatusPending))
		})

		It("rejects a second concurrent create for the same user", func() {
			Expect(mgr.Create(ctx, "rachel", Request{Size: "small"})).To(Succeed())
			err := mgr.Create(ctx, "rachel", Request{Size: "small"})
			Expect(err).To(MatchError(ErrAlreadyExists))
		})

		It("leaves unrelated users unaffected", func() {
			Expect(mgr.Create(ctx, "rachel", Request{Size: "small"})).To(Succeed())
			Expect(mgr.Create(ctx, "adam", Request{Size: "small"})).To(Succeed())
			Expect(mgr.List()).To(HaveLen(2))
		})
	})

	Describe("Manager.Delete", func() {
		It("is a no-op for a user who was never created", func() {
			cfg := config.LabSettings{Sizes: map[string]config.Size{"small": {}}}
			mgr := NewManager(cfg, nil, &fakeResolver{ok: true}, events.NewRegistry(10), logr.Discard())
			Expect(mgr.Delete(context.Background(), "ghost")).To(Succeed())
		})
	})
})
