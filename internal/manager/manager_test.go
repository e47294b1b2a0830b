package manager_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/HiImSmiley/socketleyd/internal/manager"
	"github.com/HiImSmiley/socketleyd/internal/runtime"
)

func TestManager(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "manager suite")
}

// fakeInstance is a minimal manager.Instance for exercising the registry
// without depending on any of the concrete rt* packages.
type fakeInstance struct {
	h         *runtime.Header
	startErr  error
	stopErr   error
	startCnt  int
	stopCnt   int
}

func (f *fakeInstance) Header() *runtime.Header { return f.h }

func (f *fakeInstance) Start(ctx context.Context) error {
	f.startCnt++
	if f.startErr != nil {
		return f.startErr
	}
	_ = f.h.TransitionStart()
	f.h.CommitRunning()
	return nil
}

func (f *fakeInstance) Stop(ctx context.Context) error {
	f.stopCnt++
	if f.h.TransitionStop() {
		f.h.CommitStopped()
	}
	return f.stopErr
}

func newFake(name, group string) *fakeInstance {
	return &fakeInstance{h: runtime.NewHeader(runtime.Config{Name: name, Kind: runtime.KindServer, Group: group})}
}

var _ = Describe("Manager", func() {
	var m *manager.Manager

	BeforeEach(func() {
		m = manager.New()
	})

	It("registers and looks up by name", func() {
		Expect(m.Register(newFake("web-1", ""))).To(Succeed())
		_, ok := m.Get("web-1")
		Expect(ok).To(BeTrue())
	})

	It("rejects duplicate names", func() {
		Expect(m.Register(newFake("web-1", ""))).To(Succeed())
		err := m.Register(newFake("web-1", ""))
		Expect(err).To(HaveOccurred())
	})

	It("matches names by glob", func() {
		Expect(m.Register(newFake("web-1", ""))).To(Succeed())
		Expect(m.Register(newFake("web-2", ""))).To(Succeed())
		Expect(m.Register(newFake("cache-1", ""))).To(Succeed())

		Expect(m.Match("web-*")).To(ConsistOf("web-1", "web-2"))
		Expect(m.Match("*")).To(HaveLen(3))
	})

	It("groups runtimes", func() {
		Expect(m.Register(newFake("a", "edge"))).To(Succeed())
		Expect(m.Register(newFake("b", "edge"))).To(Succeed())
		Expect(m.Register(newFake("c", "core"))).To(Succeed())

		Expect(m.ListGroup("edge")).To(ConsistOf("a", "b"))
	})

	It("refuses to remove a running runtime", func() {
		f := newFake("web-1", "")
		Expect(m.Register(f)).To(Succeed())
		Expect(m.Start(context.Background(), "web-1")).To(Succeed())

		err := m.Remove("web-1")
		Expect(err).To(HaveOccurred())

		Expect(m.Stop(context.Background(), "web-1")).To(Succeed())
		Expect(m.Remove("web-1")).To(Succeed())
	})

	It("stops every running runtime on StopAll and aggregates errors", func() {
		f1 := newFake("a", "")
		f2 := newFake("b", "")
		f2.stopErr = context.DeadlineExceeded

		Expect(m.Register(f1)).To(Succeed())
		Expect(m.Register(f2)).To(Succeed())
		Expect(m.Start(context.Background(), "a")).To(Succeed())
		Expect(m.Start(context.Background(), "b")).To(Succeed())

		err := m.StopAll(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(f1.stopCnt).To(Equal(1))
		Expect(f2.stopCnt).To(Equal(1))
	})
})
