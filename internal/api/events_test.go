package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/gifticon-tracker/internal/ingest"
)

var _ = Describe("Scan events", func() {
	var (
		f    *fixture
		ts   *httptest.Server
		conn *websocket.Conn
	)

	BeforeEach(func() {
		f = newFixture(BasicAuth{})
		ts = httptest.NewServer(f.server)
		DeferCleanup(ts.Close)

		var err error
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/scans/events"
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(conn.Close)
	})

	read := func() streamMessage {
		var msg streamMessage
		Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
		Expect(conn.ReadJSON(&msg)).To(Succeed())
		return msg
	}

	It("sends the current state first", func() {
		msg := read()
		Expect(msg.Type).To(Equal("state"))
		Expect(msg.State).NotTo(BeNil())
		Expect(msg.State.Status).To(Equal(ingest.StatusIdle))
	})

	It("streams the progress of a scan", func() {
		created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
		a := f.gallery.add("Screenshots", "a.png", created)
		f.gallery.add("Screenshots", "b.png", created.Add(time.Minute))
		f.extractor.voucher(a, "Starbucks", "Americano", "1111", "2099-12-31")

		Expect(read().Type).To(Equal("state"))

		rec := f.do(http.MethodPost, "/api/scans", map[string]any{"scan_mode": "AllInGallery"})
		Expect(rec.Code).To(Equal(http.StatusAccepted))

		var kinds []ingest.EventKind
		var last *ingest.Event
		for last == nil || last.Kind != ingest.EventFinished {
			msg := read()
			Expect(msg.Type).To(Equal("event"))
			last = msg.Event
			kinds = append(kinds, last.Kind)
		}

		Expect(kinds).To(Equal([]ingest.EventKind{
			ingest.EventStarted,
			ingest.EventFetched,
			ingest.EventItem,
			ingest.EventItem,
			ingest.EventFinished,
		}))
		Expect(last.Status).To(Equal(ingest.StatusCompleted))
		Expect(last.Progress.Processed).To(Equal(2))
		Expect(*last.Progress.TotalFetched).To(Equal(2))
	})
})
