package api

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/gifticon-tracker/internal/gifticon"
	"github.com/zombor/gifticon-tracker/internal/ingest"
)

var _ = Describe("Handlers", func() {
	var (
		f       *fixture
		created time.Time
	)

	BeforeEach(func() {
		f = newFixture(BasicAuth{})
		created = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	})

	Describe("scans", func() {
		It("rejects an unknown mode", func() {
			rec := f.do(http.MethodPost, "/api/scans", map[string]any{"scan_mode": "Everything"})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects an album mode without an album", func() {
			rec := f.do(http.MethodPost, "/api/scans", map[string]any{"scan_mode": "NewInAlbum"})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decode[map[string]string](rec)["error"]).To(ContainSubstring("album"))
		})

		It("rejects a malformed body", func() {
			rec := f.do(http.MethodPost, "/api/scans", "not an object")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("reports Idle before any scan", func() {
			rec := f.do(http.MethodGet, "/api/scans/current", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			state := decode[ingest.StateSnapshot](rec)
			Expect(state.Status).To(Equal(ingest.StatusIdle))
			Expect(state.IsScanning).To(BeFalse())
		})

		It("saves vouchers and skips the rest", func() {
			voucher := f.gallery.add("Screenshots", "starbucks.png", created)
			f.gallery.add("Screenshots", "cat.png", created.Add(time.Minute))
			f.extractor.voucher(voucher, "Starbucks", "Americano", "1234-5678", "2025-12-31")

			state := f.scan(map[string]any{"scan_mode": "newingallery"})
			Expect(state.Status).To(Equal(ingest.StatusCompleted))
			Expect(state.Saved).To(HaveLen(1))
			Expect(state.Skipped).To(HaveLen(1))
			Expect(state.Skipped[0].Reason).To(Equal(ingest.SkipNoContentDetected))

			rec := f.do(http.MethodGet, "/api/gifticons", nil)
			list := decode[[]*gifticon.Summary](rec)
			Expect(list).To(HaveLen(1))
			Expect(list[0].BrandName).To(Equal("Starbucks"))
			Expect(list[0].BarcodeValue).To(Equal("1234-5678"))
		})

		It("reports scan state per scope", func() {
			f.gallery.add("Screenshots", "a.png", created)
			f.gallery.add("Screenshots", "b.png", created.Add(time.Minute))
			f.scan(map[string]any{"scan_mode": "AllInAlbum", "target_album": "Screenshots"})

			rec := f.do(http.MethodGet, "/api/scans/state", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			states := decode[[]scopeState](rec)
			Expect(states).To(HaveLen(1))
			Expect(states[0].Processed).To(Equal(2))
			Expect(states[0].LastSeen).NotTo(BeNil())
			Expect(states[0].LastSeen.Equal(created.Add(time.Minute))).To(BeTrue())
		})

		It("refuses a second scan and cancels the running one", func() {
			f.gallery.add("Screenshots", "a.png", created)
			f.gallery.add("Screenshots", "b.png", created.Add(time.Minute))
			gate := make(chan struct{})
			f.extractor.gate = gate

			rec := f.do(http.MethodPost, "/api/scans", map[string]any{"scan_mode": "AllInGallery"})
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			started := decode[map[string]string](rec)
			Expect(started["session_id"]).NotTo(BeEmpty())
			Expect(started["status"]).To(Equal(string(ingest.StatusScanning)))

			Eventually(f.extractor.entered).WithTimeout(5 * time.Second).Should(Receive())

			rec = f.do(http.MethodPost, "/api/scans", map[string]any{"scan_mode": "AllInGallery"})
			Expect(rec.Code).To(Equal(http.StatusConflict))

			rec = f.do(http.MethodDelete, "/api/scans/current", nil)
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			close(gate)

			Eventually(func() ingest.Status {
				return decode[ingest.StateSnapshot](f.do(http.MethodGet, "/api/scans/current", nil)).Status
			}).WithTimeout(5 * time.Second).Should(Equal(ingest.StatusCancelled))

			state := decode[ingest.StateSnapshot](f.do(http.MethodGet, "/api/scans/current", nil))
			Expect(state.Progress.Processed).To(Equal(1))
		})

		It("returns 409 when cancelling with no scan running", func() {
			rec := f.do(http.MethodDelete, "/api/scans/current", nil)
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("review images", func() {
		It("serves a gallery image", func() {
			a := f.gallery.add("Screenshots", "a.png", created)
			rec := f.do(http.MethodGet, "/api/review?uri="+a.URI, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("image/png"))
		})

		It("requires a uri", func() {
			rec := f.do(http.MethodGet, "/api/review", nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for an unknown image", func() {
			rec := f.do(http.MethodGet, "/api/review?uri=file:///nope.png", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("gifticons", func() {
		var id string

		BeforeEach(func() {
			a := f.gallery.add("Screenshots", "starbucks.png", created)
			b := f.gallery.add("Screenshots", "olive.png", created.Add(time.Minute))
			f.extractor.voucher(a, "Starbucks", "Americano", "1111", "2099-12-31")
			f.extractor.voucher(b, "Olive Young", "Gift card", "2222", "2099-06-30")
			f.scan(map[string]any{"scan_mode": "AllInGallery"})

			list := decode[[]*gifticon.Summary](f.do(http.MethodGet, "/api/gifticons?sort=expiry", nil))
			Expect(list).To(HaveLen(2))
			id = list[1].ID
			Expect(list[1].BrandName).To(Equal("Starbucks"))
		})

		It("gets a gifticon", func() {
			rec := f.do(http.MethodGet, "/api/gifticons/"+id, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			g := decode[gifticon.Summary](rec)
			Expect(g.ProductName).To(Equal("Americano"))
			Expect(g.EffectiveStatus).To(Equal(gifticon.StatusAvailable))
		})

		It("returns 404 for an unknown gifticon", func() {
			rec := f.do(http.MethodGet, "/api/gifticons/missing", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("filters by category", func() {
			c := decode[gifticon.Category](f.do(http.MethodPost, "/api/categories", map[string]any{"name": "Cafe"}))
			rec := f.do(http.MethodPut, "/api/gifticons/"+id, map[string]any{"category_id": c.ID})
			Expect(rec.Code).To(Equal(http.StatusOK))

			list := decode[[]*gifticon.Summary](f.do(http.MethodGet, "/api/gifticons?category="+c.ID, nil))
			Expect(list).To(HaveLen(1))
			Expect(list[0].ID).To(Equal(id))
		})

		It("rejects an unknown tab", func() {
			rec := f.do(http.MethodGet, "/api/gifticons?tab=trash", nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("searches by brand", func() {
			rec := f.do(http.MethodGet, "/api/gifticons/search?q=starb", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			list := decode[[]*gifticon.Summary](rec)
			Expect(list).To(HaveLen(1))
			Expect(list[0].ID).To(Equal(id))
		})

		It("updates fields", func() {
			rec := f.do(http.MethodPut, "/api/gifticons/"+id, map[string]any{"product_name": "Latte"})
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode[gifticon.Summary](rec).ProductName).To(Equal("Latte"))
		})

		It("rejects a malformed expiry date", func() {
			rec := f.do(http.MethodPut, "/api/gifticons/"+id, map[string]any{"expiry_date": "31/12/2099"})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("refuses an edit that duplicates another gifticon", func() {
			rec := f.do(http.MethodPut, "/api/gifticons/"+id, map[string]any{"barcode_value": "2222"})
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})

		It("marks a gifticon used and available again", func() {
			rec := f.do(http.MethodPost, "/api/gifticons/"+id+"/use", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode[gifticon.Summary](rec).Status).To(Equal(gifticon.StatusUsed))

			used := decode[[]*gifticon.Summary](f.do(http.MethodGet, "/api/gifticons?tab=used", nil))
			Expect(used).To(HaveLen(1))

			rec = f.do(http.MethodPost, "/api/gifticons/"+id+"/unuse", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode[gifticon.Summary](rec).UsedAt).To(BeNil())
		})

		It("serves the stored image", func() {
			rec := f.do(http.MethodGet, "/api/gifticons/"+id+"/image", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("image/png"))
			Expect(rec.Body.String()).To(HaveSuffix("starbucks.png"))
		})

		It("deletes a gifticon", func() {
			rec := f.do(http.MethodDelete, "/api/gifticons/"+id, nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			rec = f.do(http.MethodGet, "/api/gifticons/"+id, nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("bulk deletes used and expired gifticons", func() {
			rec := f.do(http.MethodPost, "/api/gifticons/"+id+"/use", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			rec = f.do(http.MethodDelete, "/api/gifticons?status=inactive", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode[map[string]int](rec)).To(HaveKeyWithValue("deleted", 1))

			list := decode[[]*gifticon.Summary](f.do(http.MethodGet, "/api/gifticons", nil))
			Expect(list).To(HaveLen(1))
			Expect(list[0].BrandName).To(Equal("Olive Young"))
		})

		It("refuses a bulk delete without the inactive status", func() {
			rec := f.do(http.MethodDelete, "/api/gifticons", nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			list := decode[[]*gifticon.Summary](f.do(http.MethodGet, "/api/gifticons", nil))
			Expect(list).To(HaveLen(2))
		})

		It("returns no alerts for far-off expiry dates", func() {
			rec := f.do(http.MethodGet, "/api/alerts", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			alerts := decode[gifticon.Alerts](rec)
			Expect(alerts.ToCheck).To(BeEmpty())
			Expect(alerts.Expired).To(BeEmpty())
		})

		It("flags expired gifticons", func() {
			f.do(http.MethodPut, "/api/gifticons/"+id, map[string]any{"expiry_date": "2020-01-01"})

			alerts := decode[gifticon.Alerts](f.do(http.MethodGet, "/api/alerts", nil))
			Expect(alerts.Expired).To(HaveLen(1))
			Expect(alerts.Expired[0].Kind).To(Equal(gifticon.AlertExpired))
			Expect(alerts.Expired[0].Gifticon.ID).To(Equal(id))
		})
	})

	Describe("categories", func() {
		It("creates, lists and deletes categories", func() {
			rec := f.do(http.MethodPost, "/api/categories", map[string]any{"name": "Cafe", "icon": "coffee", "color": "#6f4e37"})
			Expect(rec.Code).To(Equal(http.StatusCreated))
			c := decode[gifticon.Category](rec)
			Expect(c.ID).NotTo(BeEmpty())

			list := decode[[]*gifticon.Category](f.do(http.MethodGet, "/api/categories", nil))
			Expect(list).To(HaveLen(1))
			Expect(list[0].Name).To(Equal("Cafe"))

			rec = f.do(http.MethodDelete, "/api/categories/"+c.ID, nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			rec = f.do(http.MethodDelete, "/api/categories/"+c.ID, nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("requires a name", func() {
			rec := f.do(http.MethodPost, "/api/categories", map[string]any{"name": " "})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})
})
