package scanning

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server    *ghttp.Server
		extractor *Ollama
		data      *GifticonData
		err       error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		extractor, err = NewOllama(server.URL(), "qwen2.5vl", 200)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		data, err = extractor.ExtractGifticon(context.Background(), encodeTestPNG(20, 20), "image/png")
	})

	When("the model returns a voucher", func() {
		var received ollamaChatRequest

		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				func(w http.ResponseWriter, r *http.Request) {
					body, readErr := io.ReadAll(r.Body)
					Expect(readErr).NotTo(HaveOccurred())
					Expect(json.Unmarshal(body, &received)).To(Succeed())
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{
						Role:    "assistant",
						Content: `{"is_gifticon": true, "brand_name": "배스킨라빈스", "product_name": "파인트", "barcode": "1111-2222-3333", "expiry_date": "2025-01-31"}`,
					},
					Done: true,
				}),
			))
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the extracted fields", func() {
			Expect(data.BrandName).To(Equal("배스킨라빈스"))
			Expect(data.ProductName).To(Equal("파인트"))
			Expect(data.BarcodeValue).To(Equal("111122223333"))
			Expect(data.ExpiryDate).To(Equal("2025-01-31"))
		})

		It("should send the image with the prompt", func() {
			Expect(received.Model).To(Equal("qwen2.5vl"))
			Expect(received.Format).To(Equal("json"))
			Expect(received.Messages).To(HaveLen(2))
			Expect(received.Messages[1].Images).To(HaveLen(1))
		})
	})

	When("the model finds no voucher", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: `{"is_gifticon": false}`},
				Done:    true,
			}))
		})

		It("should return ErrNoContent", func() {
			Expect(err).To(MatchError(ErrNoContent))
		})
	})

	When("the API fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("returns the error", func() {
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("status 500"))
		})
	})
})
