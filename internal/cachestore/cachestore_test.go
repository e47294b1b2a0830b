package cachestore_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/HiImSmiley/socketleyd/internal/cachestore"
)

func TestCachestore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "cachestore suite")
}

var _ = Describe("Store strings", func() {
	var s *cachestore.Store

	BeforeEach(func() {
		s = cachestore.New(cachestore.Options{})
	})

	It("round-trips set/get", func() {
		Expect(s.Set("k", []byte("v"))).To(Succeed())
		v, ok, err := s.Get("k")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal([]byte("v")))
	})

	It("rejects a type conflict", func() {
		Expect(s.Set("k", []byte("v"))).To(Succeed())
		_, err := s.LPush("k", []byte("x"))
		Expect(err).To(HaveOccurred())
	})

	It("mget returns nil for a type-conflicting key without failing the batch", func() {
		Expect(s.Set("str", []byte("v"))).To(Succeed())
		_, err := s.LPush("lst", []byte("x"))
		Expect(err).NotTo(HaveOccurred())

		out := s.MGet([]string{"str", "lst", "missing"})
		Expect(out).To(HaveLen(3))
		Expect(out[0]).To(Equal([]byte("v")))
		Expect(out[1]).To(BeNil())
		Expect(out[2]).To(BeNil())
	})

	It("increments a numeric string", func() {
		Expect(s.Set("n", []byte("10"))).To(Succeed())
		n, err := s.IncrBy("n", 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(15)))
	})
})

var _ = Describe("TTL expiry", func() {
	It("expires a key on touch", func() {
		s := cachestore.New(cachestore.Options{})
		Expect(s.Set("k", []byte("v"))).To(Succeed())
		Expect(s.PExpire("k", 5)).To(BeTrue())

		time.Sleep(20 * time.Millisecond)

		_, ok, err := s.Get("k")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("sweeps expired keys in the background", func() {
		s := cachestore.New(cachestore.Options{})
		Expect(s.Set("k", []byte("v"))).To(Succeed())
		Expect(s.PExpire("k", 1)).To(BeTrue())
		time.Sleep(10 * time.Millisecond)

		n := s.ExpireSweep(256, 25*time.Millisecond)
		Expect(n).To(Equal(1))
		Expect(s.Size()).To(Equal(0))
	})
})

var _ = Describe("LRU eviction", func() {
	It("evicts the least-recently-touched key first", func() {
		s := cachestore.New(cachestore.Options{MaxMemory: 20, Eviction: cachestore.EvictionLRU})

		Expect(s.Set("a", []byte("0123456789"))).To(Succeed()) // 1 + 10 = 11 bytes
		_, _, _ = s.Get("a")                                   // touch a
		Expect(s.Set("b", []byte("0123456789"))).To(Succeed()) // 11 bytes, total 22 > 20 -> evicts a
		// only one of a/b fits at a time given the 20 byte cap and key+val accounting
		Expect(s.Exists("b")).To(BeTrue())
		Expect(s.Exists("a")).To(BeFalse())
	})
})

var _ = Describe("Persistence", func() {
	It("round-trips through save and load", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "snap.db")

		s := cachestore.New(cachestore.Options{})
		Expect(s.Set("str", []byte("hello"))).To(Succeed())
		_, err := s.RPush("lst", []byte("a"), []byte("b"))
		Expect(err).NotTo(HaveOccurred())
		_, err = s.SAdd("set", []byte("x"), []byte("y"))
		Expect(err).NotTo(HaveOccurred())
		_, err = s.HSet("hsh", "f", []byte("v"))
		Expect(err).NotTo(HaveOccurred())

		Expect(s.Save(path)).To(Succeed())

		loaded := cachestore.New(cachestore.Options{})
		Expect(loaded.Load(path)).To(Succeed())

		v, ok, err := loaded.Get("str")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal([]byte("hello")))

		members, err := loaded.SMembers("set")
		Expect(err).NotTo(HaveOccurred())
		Expect(members).To(HaveLen(2))
	})

	It("loads a legacy v1 flat string file", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "legacy.db")

		var raw []byte
		raw = append(raw, u32le(3)...)
		raw = append(raw, "key"...)
		raw = append(raw, u32le(5)...)
		raw = append(raw, "value"...)
		Expect(os.WriteFile(path, raw, 0o600)).To(Succeed())

		s := cachestore.New(cachestore.Options{})
		Expect(s.Load(path)).To(Succeed())

		v, ok, err := s.Get("key")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal([]byte("value")))
	})
})

func u32le(n uint32) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

type recordingSubscriber struct {
	received chan []byte
}

func (r *recordingSubscriber) Deliver(channel string, payload []byte) {
	r.received <- payload
}

var _ = Describe("Pub/sub", func() {
	It("delivers a publish to every subscriber", func() {
		s := cachestore.New(cachestore.Options{})
		sub := &recordingSubscriber{received: make(chan []byte, 1)}
		s.Subscribe("news", 1, sub)

		n := s.Publish("news", []byte("hello"))
		Expect(n).To(Equal(1))
		Expect(<-sub.received).To(Equal([]byte("hello")))
	})

	It("removes a connection from every channel on disconnect", func() {
		s := cachestore.New(cachestore.Options{})
		sub := &recordingSubscriber{received: make(chan []byte, 1)}
		s.Subscribe("a", 1, sub)
		s.Subscribe("b", 1, sub)

		s.UnsubscribeAll(1)

		Expect(s.Publish("a", []byte("x"))).To(Equal(0))
		Expect(s.Publish("b", []byte("x"))).To(Equal(0))
	})
})
