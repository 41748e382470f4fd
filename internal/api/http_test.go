package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aridsondez/visqueue/internal/api"
	"github.com/aridsondez/visqueue/internal/logging"
	"github.com/aridsondez/visqueue/internal/queue"
	"github.com/aridsondez/visqueue/internal/queue/store/memory"
	"github.com/aridsondez/visqueue/pkg/visqueue"
)

type leased struct {
	ID           string    `json:"id"`
	Content      []byte    `json:"content"`
	InsertedAt   time.Time `json:"inserted_at"`
	VisibleAt    time.Time `json:"visible_at"`
	DequeueCount int       `json:"dequeue_count"`
	Receipt      string    `json:"receipt"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var _ = Describe("Queue API", func() {
	var (
		clock *queue.ManualClock
		srv   *httptest.Server
	)

	do := func(method, path string, body any) *http.Response {
		var rdr io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			rdr = bytes.NewReader(b)
		}
		req, err := http.NewRequest(method, srv.URL+path, rdr)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		resp, err := srv.Client().Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	expectError := func(resp *http.Response, status int, code string) {
		Expect(resp.StatusCode).To(Equal(status))
		var e apiError
		decode(resp, &e)
		Expect(e.Code).To(Equal(code))
		Expect(e.Error).NotTo(BeEmpty())
	}

	receive := func(name string, max int, visMS int64) []leased {
		resp := do(http.MethodPost, "/v1/queues/"+name+"/receive",
			map[string]any{"max": max, "visibility_ms": visMS})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var out struct {
			Messages []leased `json:"messages"`
		}
		decode(resp, &out)
		return out.Messages
	}

	enqueue := func(name, content string) string {
		resp := do(http.MethodPost, "/v1/queues/"+name+"/messages", map[string]any{"content": []byte(content)})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var out struct {
			ID string `json:"id"`
		}
		decode(resp, &out)
		return out.ID
	}

	BeforeEach(func() {
		clock = queue.NewManualClock(time.Date(2017, 3, 1, 9, 0, 0, 0, time.UTC))
		client := visqueue.New(memory.New(clock), visqueue.WithLogger(logging.Discard()))
		srv = httptest.NewServer(api.NewRouter(client, api.Options{
			Logger:            logging.Discard(),
			VisibilityTimeout: 30 * time.Second,
			ReceiveMax:        10,
		}))
		DeferCleanup(srv.Close)
	})

	Context("when probing the server", func() {
		It("answers health checks", func() {
			resp := do(http.MethodGet, "/healthz", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("exposes prometheus metrics", func() {
			do(http.MethodPut, "/v1/queues/metered", nil)
			enqueue("metered", "x")

			resp := do(http.MethodGet, "/metrics", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring(`visqueue_messages_enqueued_total{queue="metered"}`))
		})
	})

	Context("when managing queues", func() {
		It("creates queues idempotently and lists them", func() {
			for range 2 {
				resp := do(http.MethodPut, "/v1/queues/orders", nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			}
			do(http.MethodPut, "/v1/queues/emails", nil)

			resp := do(http.MethodGet, "/v1/queues", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var out struct {
				Queues []string `json:"queues"`
			}
			decode(resp, &out)
			Expect(out.Queues).To(Equal([]string{"emails", "orders"}))
		})

		It("rejects upper case queue names", func() {
			resp := do(http.MethodPut, "/v1/queues/AzureQueueSample", nil)
			expectError(resp, http.StatusBadRequest, "invalid_argument")
		})

		It("deletes queues", func() {
			do(http.MethodPut, "/v1/queues/doomed", nil)
			resp := do(http.MethodDelete, "/v1/queues/doomed", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp = do(http.MethodGet, "/v1/queues/doomed", nil)
			expectError(resp, http.StatusNotFound, "queue_not_found")
		})

		It("reports visible and invisible counts", func() {
			do(http.MethodPut, "/v1/queues/counted", nil)
			enqueue("counted", "a")
			enqueue("counted", "b")
			receive("counted", 1, 60_000)

			resp := do(http.MethodGet, "/v1/queues/counted", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var st map[string]any
			decode(resp, &st)
			Expect(st).To(HaveKeyWithValue("messages", BeNumerically("==", 2)))
			Expect(st).To(HaveKeyWithValue("visible", BeNumerically("==", 1)))
			Expect(st).To(HaveKeyWithValue("invisible", BeNumerically("==", 1)))
		})
	})

	Context("when leasing messages", func() {
		BeforeEach(func() {
			do(http.MethodPut, "/v1/queues/work", nil)
			for _, c := range []string{"A", "B", "C"} {
				enqueue("work", c)
				clock.Advance(time.Millisecond)
			}
		})

		It("hands them out in FIFO order with distinct receipts", func() {
			got := receive("work", 2, 5000)
			Expect(got).To(HaveLen(2))
			Expect(string(got[0].Content)).To(Equal("A"))
			Expect(string(got[1].Content)).To(Equal("B"))
			Expect(got[0].Receipt).NotTo(Equal(got[1].Receipt))
			Expect(got[0].DequeueCount).To(Equal(1))
			Expect(got[0].VisibleAt).To(BeTemporally("==", clock.Now().Add(5*time.Second)))
		})

		It("applies the configured defaults to an empty request", func() {
			resp := do(http.MethodPost, "/v1/queues/work/receive", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var out struct {
				Messages []leased `json:"messages"`
			}
			decode(resp, &out)
			Expect(out.Messages).To(HaveLen(3))
			Expect(out.Messages[0].VisibleAt).To(BeTemporally("==", clock.Now().Add(30*time.Second)))
		})

		It("rejects out of range requests", func() {
			resp := do(http.MethodPost, "/v1/queues/work/receive", map[string]any{"max": 0})
			expectError(resp, http.StatusBadRequest, "invalid_argument")

			resp = do(http.MethodPost, "/v1/queues/work/receive", map[string]any{"max": 33})
			expectError(resp, http.StatusBadRequest, "invalid_argument")

			resp = do(http.MethodPost, "/v1/queues/work/receive", map[string]any{"max": 1, "visibility_ms": -1})
			expectError(resp, http.StatusBadRequest, "invalid_argument")
		})

		It("rejects visibility_ms that would overflow", func() {
			// 18446744073710ms wraps time.Duration into roughly one millisecond
			resp := do(http.MethodPost, "/v1/queues/work/receive",
				map[string]any{"max": 1, "visibility_ms": int64(18446744073710)})
			expectError(resp, http.StatusBadRequest, "invalid_argument")

			resp = do(http.MethodPost, "/v1/queues/work/messages",
				map[string]any{"content": []byte("D"), "delay_ms": int64(18446744073710)})
			expectError(resp, http.StatusBadRequest, "invalid_argument")

			resp = do(http.MethodPost, "/v1/queues/work/receive",
				map[string]any{"max": 1, "visibility_ms": (7*24*time.Hour).Milliseconds() + 1})
			expectError(resp, http.StatusBadRequest, "invalid_argument")

			By("leaving every message untouched")
			resp = do(http.MethodGet, "/v1/queues/work", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var st struct {
				Messages  int `json:"messages"`
				Visible   int `json:"visible"`
				Invisible int `json:"invisible"`
			}
			decode(resp, &st)
			Expect(st.Messages).To(Equal(3))
			Expect(st.Visible).To(Equal(3))
		})

		It("rejects malformed json", func() {
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/queues/work/receive", strings.NewReader("{"))
			Expect(err).NotTo(HaveOccurred())
			resp, err := srv.Client().Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			expectError(resp, http.StatusBadRequest, "invalid_argument")
		})

		It("hides leased messages until the timeout passes", func() {
			Expect(receive("work", 32, 1000)).To(HaveLen(3))
			Expect(receive("work", 32, 1000)).To(BeEmpty())

			clock.Advance(time.Second)
			again := receive("work", 32, 1000)
			Expect(again).To(HaveLen(3))
			Expect(again[0].DequeueCount).To(Equal(2))
		})

		It("reports leasing an unknown queue", func() {
			resp := do(http.MethodPost, "/v1/queues/nowhere/receive", map[string]any{"max": 1})
			expectError(resp, http.StatusNotFound, "queue_not_found")
		})
	})

	Context("when deleting and updating", func() {
		var m leased

		BeforeEach(func() {
			do(http.MethodPut, "/v1/queues/demo", nil)
			enqueue("demo", "C")
			got := receive("demo", 1, 5000)
			Expect(got).To(HaveLen(1))
			m = got[0]
		})

		It("deletes with the current receipt", func() {
			resp := do(http.MethodDelete, "/v1/queues/demo/messages/"+m.ID+"?receipt="+m.Receipt, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp = do(http.MethodDelete, "/v1/queues/demo/messages/"+m.ID+"?receipt="+m.Receipt, nil)
			expectError(resp, http.StatusNotFound, "not_found")
		})

		It("requires a receipt", func() {
			resp := do(http.MethodDelete, "/v1/queues/demo/messages/"+m.ID, nil)
			expectError(resp, http.StatusBadRequest, "invalid_argument")
		})

		It("rejects an update visibility that would overflow", func() {
			resp := do(http.MethodPut, "/v1/queues/demo/messages/"+m.ID, map[string]any{
				"receipt":       m.Receipt,
				"content":       []byte("Z"),
				"visibility_ms": int64(18446744073710),
			})
			expectError(resp, http.StatusBadRequest, "invalid_argument")

			By("keeping the lease and its receipt")
			resp = do(http.MethodDelete, "/v1/queues/demo/messages/"+m.ID+"?receipt="+m.Receipt, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})

		It("updates in place and rotates the receipt", func() {
			resp := do(http.MethodPut, "/v1/queues/demo/messages/"+m.ID, map[string]any{
				"receipt":       m.Receipt,
				"content":       []byte("Z"),
				"visibility_ms": 5000,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var out struct {
				Receipt string `json:"receipt"`
			}
			decode(resp, &out)
			Expect(out.Receipt).NotTo(BeEmpty())
			Expect(out.Receipt).NotTo(Equal(m.Receipt))

			By("refusing the stale receipt")
			resp = do(http.MethodDelete, "/v1/queues/demo/messages/"+m.ID+"?receipt="+m.Receipt, nil)
			expectError(resp, http.StatusConflict, "receipt_mismatch")

			By("showing the new content once visible again")
			Expect(receive("demo", 1, 5000)).To(BeEmpty())
			clock.Advance(6 * time.Second)
			got := receive("demo", 1, 5000)
			Expect(got).To(HaveLen(1))
			Expect(string(got[0].Content)).To(Equal("Z"))
		})
	})

	Context("when peeking", func() {
		It("returns no content for an empty queue", func() {
			do(http.MethodPut, "/v1/queues/empty", nil)
			resp := do(http.MethodGet, "/v1/queues/empty/peek", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})

		It("shows the oldest message without a receipt", func() {
			do(http.MethodPut, "/v1/queues/peeked", nil)
			id := enqueue("peeked", "first")
			receive("peeked", 1, 60_000)

			resp := do(http.MethodGet, "/v1/queues/peeked/peek", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var got leased
			decode(resp, &got)
			Expect(got.ID).To(Equal(id))
			Expect(got.Receipt).To(BeEmpty())
			Expect(got.DequeueCount).To(Equal(1))
		})
	})
})
