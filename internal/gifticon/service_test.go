package gifticon

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/gifticon-tracker/internal/extraction"
	"github.com/zombor/gifticon-tracker/internal/gallery"
)

// mockIDGenerator returns sequential IDs
type mockIDGenerator struct {
	next int
}

func (m *mockIDGenerator) Generate() string {
	m.next++
	return fmt.Sprintf("id-%d", m.next)
}

// mockTimeSource returns a fixed time
type mockTimeSource struct {
	now time.Time
}

func (m *mockTimeSource) Now() time.Time {
	return m.now
}

// mockStorage is a mock implementation of Storage
type mockStorage struct {
	files   map[string][]byte
	saveErr error
	deleted []string
}

func newMockStorage() *mockStorage {
	return &mockStorage{files: make(map[string][]byte)}
}

func (m *mockStorage) Save(data []byte, ext string) (string, error) {
	if m.saveErr != nil {
		return "", m.saveErr
	}
	path := fmt.Sprintf("%x%s", len(m.files)+1, ext)
	m.files[path] = data
	return path, nil
}

func (m *mockStorage) Get(path string) ([]byte, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

func (m *mockStorage) Delete(path string) error {
	m.deleted = append(m.deleted, path)
	delete(m.files, path)
	return nil
}

// mockImages is a mock implementation of ImageReader
type mockImages struct {
	files map[string][]byte
}

func (m *mockImages) Open(ctx context.Context, uri string) ([]byte, error) {
	data, ok := m.files[uri]
	if !ok {
		return nil, errors.New("no such asset")
	}
	return data, nil
}

// failingSaveDB fails every insert
type failingSaveDB struct {
	*SQLiteDB
}

func (f failingSaveDB) SaveGifticon(ctx context.Context, g *Gifticon) error {
	return errors.New("disk full")
}

var _ = Describe("Service", func() {
	var (
		ctx     context.Context
		db      DB
		storage *mockStorage
		images  *mockImages
		clock   *mockTimeSource
		service *Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = newTestDB()
		storage = newMockStorage()
		images = &mockImages{files: map[string][]byte{
			"file:///g/Screenshots/a.png": []byte("png bytes"),
		}}
		seoul := time.FixedZone("KST", 9*60*60)
		// 2025-06-10 08:00 in Seoul, still June 9th in UTC
		clock = &mockTimeSource{now: time.Date(2025, 6, 9, 23, 0, 0, 0, time.UTC)}
		service = NewServiceWithDeps(db, storage, images, Options{Location: seoul, AlertDays: 7}, &mockIDGenerator{}, clock)
	})

	saveWith := func(brand, product, barcode, expiry string) *Gifticon {
		g, err := service.SaveScanned(ctx,
			gallery.Asset{ID: "file:///g/Screenshots/a.png", URI: "file:///g/Screenshots/a.png", ContentType: "image/png"},
			&extraction.Candidate{ImageURI: "file:///g/Screenshots/a.png", BrandName: brand, ProductName: product, BarcodeValue: barcode, ExpiryDate: expiry},
			"barcode:"+barcode+brand+product+expiry,
		)
		Expect(err).NotTo(HaveOccurred())
		clock.now = clock.now.Add(time.Minute)
		return g
	}

	Describe("SaveScanned", func() {
		var (
			saved *Gifticon
			err   error
		)

		JustBeforeEach(func() {
			saved, err = service.SaveScanned(ctx,
				gallery.Asset{ID: "file:///g/Screenshots/a.png", URI: "file:///g/Screenshots/a.png", ContentType: "image/png"},
				&extraction.Candidate{ImageURI: "file:///g/Screenshots/a.png", BrandName: " GS25 ", ProductName: "바나나우유", BarcodeValue: "880123", ExpiryDate: "2025-06-30"},
				"barcode:880123",
			)
		})

		It("should store an available record", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.ID).To(Equal("id-1"))
			Expect(saved.Status).To(Equal(StatusAvailable))
			Expect(saved.BrandName).To(Equal("GS25"))
			Expect(saved.Fingerprint).To(Equal("barcode:880123"))

			got, err := db.GetGifticon(ctx, "id-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.SourceAssetID).To(Equal("file:///g/Screenshots/a.png"))
		})

		It("should copy the image into storage", func() {
			Expect(saved.ImagePath).To(Equal("1.png"))
			Expect(storage.files["1.png"]).To(Equal([]byte("png bytes")))
		})

		When("the image cannot be read", func() {
			BeforeEach(func() {
				images.files = map[string][]byte{}
			})

			It("should still store the record without a copy", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(saved.ImagePath).To(BeEmpty())
			})
		})

		When("the insert fails", func() {
			BeforeEach(func() {
				sqlite := db.(*SQLiteDB)
				db = failingSaveDB{sqlite}
				service = NewServiceWithDeps(db, storage, images, Options{}, &mockIDGenerator{}, clock)
			})

			It("should return an error and remove the copy", func() {
				Expect(err).To(MatchError(ContainSubstring("disk full")))
				Expect(storage.deleted).To(ConsistOf("1.png"))
				Expect(storage.files).To(BeEmpty())
			})
		})
	})

	Describe("effective status", func() {
		It("should treat an expiry before today in the configured zone as expired", func() {
			g := saveWith("A", "a", "1", "2025-06-09")
			Expect(service.EffectiveStatus(g)).To(Equal(StatusExpired))
		})

		It("should treat an expiry of today as available", func() {
			g := saveWith("A", "a", "1", "2025-06-10")
			Expect(service.EffectiveStatus(g)).To(Equal(StatusAvailable))
		})

		It("should prefer used over expired", func() {
			g := saveWith("A", "a", "1", "2025-01-01")
			_, err := service.MarkUsed(ctx, g.ID)
			Expect(err).NotTo(HaveOccurred())
			got, err := service.Get(ctx, g.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.EffectiveStatus).To(Equal(StatusUsed))
		})

		It("should treat an unknown expiry as available", func() {
			g := saveWith("A", "a", "1", "")
			Expect(service.EffectiveStatus(g)).To(Equal(StatusAvailable))
		})
	})

	Describe("List", func() {
		var (
			soon, later, expired, used, undated *Gifticon
			category                            *Category
		)

		BeforeEach(func() {
			var err error
			category, err = service.CreateCategory(ctx, "카페", "coffee", "#6F4E37")
			Expect(err).NotTo(HaveOccurred())

			later = saveWith("Starbucks", "Latte", "1", "2025-12-01")
			soon = saveWith("GS25", "Milk", "2", "2025-06-12")
			expired = saveWith("CU", "Kimbap", "3", "2025-05-01")
			used = saveWith("Ediya", "Tea", "4", "2025-07-01")
			undated = saveWith("Olive Young", "Gift card", "5", "")

			_, err = service.MarkUsed(ctx, used.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = service.Update(ctx, later.ID, Update{CategoryID: &category.ID})
			Expect(err).NotTo(HaveOccurred())
		})

		ids := func(list []*Summary) []string {
			out := make([]string, 0, len(list))
			for _, s := range list {
				out = append(out, s.ID)
			}
			return out
		}

		It("should sort the available tab by expiry with unknown dates last", func() {
			list, err := service.List(ctx, Filter{Tab: TabAvailable, Sort: SortByExpiry})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(list)).To(Equal([]string{soon.ID, later.ID, undated.ID}))
		})

		It("should put used and expired vouchers in the used tab", func() {
			list, err := service.List(ctx, Filter{Tab: TabUsed})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(list)).To(ConsistOf(expired.ID, used.ID))
		})

		It("should sort by creation newest first", func() {
			list, err := service.List(ctx, Filter{Sort: SortByCreated})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(list)).To(Equal([]string{undated.ID, used.ID, expired.ID, soon.ID, later.ID}))
		})

		It("should filter by category", func() {
			list, err := service.List(ctx, Filter{CategoryID: category.ID})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(list)).To(Equal([]string{later.ID}))
		})

		It("should report days left", func() {
			list, err := service.List(ctx, Filter{Tab: TabAvailable})
			Expect(err).NotTo(HaveOccurred())
			Expect(list[0].DaysLeft).NotTo(BeNil())
			Expect(*list[0].DaysLeft).To(Equal(2))
		})
	})

	Describe("Search", func() {
		BeforeEach(func() {
			saveWith("Starbucks", "Caffe Latte", "1", "2025-12-01")
			saveWith("GS25", "바나나우유", "2", "2025-06-12")
		})

		It("should match brand case-insensitively", func() {
			list, err := service.Search(ctx, "STAR")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Expect(list[0].BrandName).To(Equal("Starbucks"))
		})

		It("should match product names", func() {
			list, err := service.Search(ctx, "바나나")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Expect(list[0].BrandName).To(Equal("GS25"))
		})

		It("should match nothing for a blank keyword", func() {
			list, err := service.Search(ctx, "  ")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(BeEmpty())
		})
	})

	Describe("Update", func() {
		var first, second *Gifticon

		BeforeEach(func() {
			first = saveWith("GS25", "Milk", "111", "2025-06-30")
			second = saveWith("CU", "Kimbap", "222", "2025-06-30")
		})

		It("should recompute the fingerprint", func() {
			barcode := "333"
			got, err := service.Update(ctx, first.ID, Update{BarcodeValue: &barcode})
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Fingerprint).To(Equal("barcode:333"))
			Expect(got.BrandName).To(Equal("GS25"))
		})

		It("should reject an edit colliding with another record", func() {
			barcode := "222"
			// second was saved with a synthetic fingerprint; align it first
			_, err := service.Update(ctx, second.ID, Update{BarcodeValue: &barcode})
			Expect(err).NotTo(HaveOccurred())

			_, err = service.Update(ctx, first.ID, Update{BarcodeValue: &barcode})
			Expect(err).To(MatchError(ErrDuplicate))
		})

		It("should allow re-saving the same record", func() {
			barcode := "111"
			_, err := service.Update(ctx, first.ID, Update{BarcodeValue: &barcode})
			Expect(err).NotTo(HaveOccurred())
			_, err = service.Update(ctx, first.ID, Update{BarcodeValue: &barcode})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject a malformed expiry date", func() {
			expiry := "30/06/2025"
			_, err := service.Update(ctx, first.ID, Update{ExpiryDate: &expiry})
			Expect(err).To(MatchError(ErrInvalidInput))
		})

		It("should reject clearing every identifying field", func() {
			empty := ""
			_, err := service.Update(ctx, first.ID, Update{BrandName: &empty, ProductName: &empty, BarcodeValue: &empty, ExpiryDate: &empty})
			Expect(err).To(MatchError(ErrInvalidInput))
		})

		It("should reject an unknown category", func() {
			cat := "nope"
			_, err := service.Update(ctx, first.ID, Update{CategoryID: &cat})
			Expect(err).To(MatchError(ErrInvalidInput))
		})

		It("should return ErrNotFound for a missing record", func() {
			_, err := service.Update(ctx, "missing", Update{})
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("MarkUsed and MarkAvailable", func() {
		It("should set and clear the used time", func() {
			g := saveWith("GS25", "Milk", "1", "2025-06-30")

			used, err := service.MarkUsed(ctx, g.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(used.Status).To(Equal(StatusUsed))
			Expect(used.UsedAt).NotTo(BeNil())

			back, err := service.MarkAvailable(ctx, g.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(back.Status).To(Equal(StatusAvailable))
			Expect(back.UsedAt).To(BeNil())
		})
	})

	Describe("Delete", func() {
		It("should remove the record and its image copy", func() {
			g := saveWith("GS25", "Milk", "1", "2025-06-30")
			Expect(service.Delete(ctx, g.ID)).To(Succeed())

			_, err := service.Get(ctx, g.ID)
			Expect(err).To(MatchError(ErrNotFound))
			Expect(storage.deleted).To(ConsistOf(g.ImagePath))
		})

		It("should keep an image copy another record still uses", func() {
			first := saveWith("GS25", "Milk", "1", "2025-06-30")
			second := saveWith("CU", "Kimbap", "2", "2025-06-30")
			second.ImagePath = first.ImagePath
			Expect(db.UpdateGifticon(ctx, second)).To(Succeed())

			Expect(service.Delete(ctx, first.ID)).To(Succeed())
			Expect(storage.deleted).To(BeEmpty())
		})
	})

	Describe("DeleteUsedAndExpired", func() {
		var expired, used, available *Gifticon

		BeforeEach(func() {
			expired = saveWith("CU", "Kimbap", "1", "2025-06-09")
			used = saveWith("Ediya", "Tea", "2", "2025-07-01")
			available = saveWith("GS25", "Milk", "3", "2025-06-10")
			_, err := service.MarkUsed(ctx, used.ID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should remove only the used and expired vouchers", func() {
			n, err := service.DeleteUsedAndExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))

			list, err := service.List(ctx, Filter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Expect(list[0].ID).To(Equal(available.ID))
		})

		It("should delete the image copies of the removed vouchers", func() {
			_, err := service.DeleteUsedAndExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.deleted).To(ConsistOf(expired.ImagePath, used.ImagePath))
		})

		It("should keep an image copy a remaining voucher shares", func() {
			expired.ImagePath = available.ImagePath
			Expect(db.UpdateGifticon(ctx, expired)).To(Succeed())

			_, err := service.DeleteUsedAndExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.deleted).To(ConsistOf(used.ImagePath))
		})

		It("should report zero when nothing is inactive", func() {
			_, err := service.DeleteUsedAndExpired(ctx)
			Expect(err).NotTo(HaveOccurred())

			n, err := service.DeleteUsedAndExpired(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})
	})

	Describe("GetImage", func() {
		It("should serve the stored copy", func() {
			g := saveWith("GS25", "Milk", "1", "2025-06-30")
			data, contentType, err := service.GetImage(ctx, g.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("png bytes")))
			Expect(contentType).To(Equal("image/png"))
		})

		It("should fall back to the gallery original", func() {
			g := saveWith("GS25", "Milk", "1", "2025-06-30")
			storage.files = map[string][]byte{}
			data, _, err := service.GetImage(ctx, g.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("png bytes")))
		})
	})

	Describe("Alerts", func() {
		var alerts *Alerts

		BeforeEach(func() {
			saveWith("Long ago", "x", "1", "2025-05-01")
			saveWith("Yesterday", "x", "2", "2025-06-09")
			saveWith("Today", "x", "3", "2025-06-10")
			saveWith("In a week", "x", "4", "2025-06-17")
			saveWith("Tomorrow", "x", "5", "2025-06-11")
			saveWith("Too far", "x", "6", "2025-06-18")
			saveWith("Undated", "x", "7", "")
			used := saveWith("Used", "x", "8", "2025-06-11")
			_, err := service.MarkUsed(ctx, used.ID)
			Expect(err).NotTo(HaveOccurred())

			alerts, err = service.Alerts(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		brands := func(list []Alert) []string {
			out := make([]string, 0, len(list))
			for _, a := range list {
				out = append(out, a.Gifticon.BrandName)
			}
			return out
		}

		It("should list vouchers to check soonest first", func() {
			Expect(brands(alerts.ToCheck)).To(Equal([]string{"Today", "Tomorrow", "In a week"}))
			Expect(alerts.ToCheck[0].Kind).To(Equal(AlertToday))
			Expect(alerts.ToCheck[1].Kind).To(Equal(AlertDDay))
			Expect(alerts.ToCheck[1].DaysLeft).To(Equal(1))
			Expect(alerts.ToCheck[2].DaysLeft).To(Equal(7))
		})

		It("should list expired vouchers most recent first", func() {
			Expect(brands(alerts.Expired)).To(Equal([]string{"Yesterday", "Long ago"}))
			Expect(alerts.Expired[0].Kind).To(Equal(AlertExpired))
			Expect(alerts.Expired[0].DaysLeft).To(Equal(-1))
		})
	})

	Describe("categories", func() {
		It("should require a name", func() {
			_, err := service.CreateCategory(ctx, " ", "", "")
			Expect(err).To(MatchError(ErrInvalidInput))
		})

		It("should create, list and delete", func() {
			c, err := service.CreateCategory(ctx, "편의점", "store", "#00A651")
			Expect(err).NotTo(HaveOccurred())

			list, err := service.ListCategories(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))

			Expect(service.DeleteCategory(ctx, c.ID)).To(Succeed())
			_, err = service.GetCategory(ctx, c.ID)
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("should return ErrNotFound deleting an unknown category", func() {
			Expect(service.DeleteCategory(ctx, "missing")).To(MatchError(ErrNotFound))
		})
	})
})
