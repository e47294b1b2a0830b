package control_test

import (
	"os"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/HiImSmiley/socketleyd/internal/control"
	"github.com/HiImSmiley/socketleyd/internal/manager"
	"github.com/HiImSmiley/socketleyd/internal/persist"
	"github.com/HiImSmiley/socketleyd/internal/reactor"
)

func TestDispatcher(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "control dispatcher suite")
}

func newDispatcher(t GinkgoTInterface) *control.Dispatcher {
	dir, err := os.MkdirTemp("", "socketleyd-dispatch-*")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = os.RemoveAll(dir) })

	store, err := persist.New(dir)
	Expect(err).NotTo(HaveOccurred())

	return &control.Dispatcher{
		Manager: manager.New(),
		Reactor: reactor.New(reactor.DefaultOptions()),
		Store:   store,
	}
}

var _ = Describe("Dispatcher", func() {
	var d *control.Dispatcher

	BeforeEach(func() {
		d = newDispatcher(GinkgoT())
	})

	It("rejects an unknown verb", func() {
		status, body := d.Handle("bogus foo")
		Expect(status).To(Equal(byte(1)))
		Expect(string(body)).To(Equal("error: unknown command"))
	})

	It("creates, lists, shows, and removes a runtime", func() {
		status, _ := d.Handle(`create server web-1 port=0 handler=echo`)
		Expect(status).To(Equal(byte(0)))

		status, body := d.Handle("ls")
		Expect(status).To(Equal(byte(0)))
		Expect(string(body)).To(Equal("web-1"))

		status, body = d.Handle("show web-1")
		Expect(status).To(Equal(byte(0)))
		Expect(string(body)).To(ContainSubstring("name web-1"))
		Expect(string(body)).To(ContainSubstring("kind server"))

		status, _ = d.Handle("remove web-1")
		Expect(status).To(Equal(byte(0)))

		status, body = d.Handle("ls")
		Expect(status).To(Equal(byte(0)))
		Expect(string(body)).To(Equal(""))
	})

	It("refuses to create a runtime with an unknown kind", func() {
		status, body := d.Handle("create bogus web-1")
		Expect(status).To(Equal(byte(1)))
		Expect(string(body)).To(ContainSubstring("error:"))
	})

	It("refuses operations on an unknown runtime name", func() {
		status, body := d.Handle("stats ghost")
		Expect(status).To(Equal(byte(1)))
		Expect(string(body)).To(ContainSubstring("unknown runtime"))
	})

	It("starts and stops a runtime, persisting was_running", func() {
		status, _ := d.Handle("create server web-1 port=0 handler=echo")
		Expect(status).To(Equal(byte(0)))

		status, _ = d.Handle("start web-1")
		Expect(status).To(Equal(byte(0)))

		status, body := d.Handle("show web-1")
		Expect(status).To(Equal(byte(0)))
		Expect(string(body)).To(ContainSubstring("was_running true"))

		status, _ = d.Handle("stop web-1")
		Expect(status).To(Equal(byte(0)))

		status, body = d.Handle("show web-1")
		Expect(status).To(Equal(byte(0)))
		Expect(string(body)).To(ContainSubstring("was_running false"))
	})

	It("expands a glob across start/stop", func() {
		d.Handle("create server web-1 port=0 handler=echo")
		d.Handle("create server web-2 port=0 handler=echo")

		status, _ := d.Handle("start web-*")
		Expect(status).To(Equal(byte(0)))

		status, body := d.Handle("ps")
		Expect(status).To(Equal(byte(0)))
		lines := strings.Split(string(body), "\n")
		Expect(lines).To(HaveLen(2))
		for _, l := range lines {
			Expect(l).To(ContainSubstring("running"))
		}

		d.Handle("stop web-*")
	})

	It("rejects action on a non-cache runtime", func() {
		d.Handle("create server web-1 port=0 handler=echo")
		status, body := d.Handle("action web-1 size")
		Expect(status).To(Equal(byte(1)))
		Expect(string(body)).To(ContainSubstring("not a cache runtime"))
	})

	It("runs a cache action end-to-end", func() {
		d.Handle("create cache cache-1 port=0")
		d.Handle("start cache-1")

		status, _ := d.Handle("action cache-1 set k v")
		Expect(status).To(Equal(byte(0)))

		status, body := d.Handle("action cache-1 get k")
		Expect(status).To(Equal(byte(0)))
		Expect(string(body)).To(Equal("v\n"))

		d.Handle("stop cache-1")
	})

	It("rejects send on a runtime kind with no messaging surface", func() {
		d.Handle("create cache cache-1 port=0")
		status, body := d.Handle("send cache-1 hi")
		Expect(status).To(Equal(byte(1)))
		Expect(string(body)).To(ContainSubstring("send not supported"))
	})
})
