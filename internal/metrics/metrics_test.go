package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordQuotaRequest(t *testing.T) {
	QuotaRequestsTotal.Reset()

	RecordQuotaRequest("token", "committed")
	RecordQuotaRequest("token", "committed")
	RecordQuotaRequest("image", "insufficient_quota")

	committed := testutil.ToFloat64(QuotaRequestsTotal.WithLabelValues("token", "committed"))
	if committed != 2.0 {
		t.Errorf("Expected committed counter to be 2.0, got %f", committed)
	}

	rejected := testutil.ToFloat64(QuotaRequestsTotal.WithLabelValues("image", "insufficient_quota"))
	if rejected != 1.0 {
		t.Errorf("Expected rejected counter to be 1.0, got %f", rejected)
	}
}

func TestRecordSpend(t *testing.T) {
	before := testutil.ToFloat64(QuotaTokensSpentTotal)

	RecordSpend("token", 25)

	after := testutil.ToFloat64(QuotaTokensSpentTotal)
	if after-before != 25.0 {
		t.Errorf("Expected token spend to grow by 25, got %f", after-before)
	}

	imagesBefore := testutil.ToFloat64(QuotaImagesSpentTotal)

	RecordSpend("image", 1)

	imagesAfter := testutil.ToFloat64(QuotaImagesSpentTotal)
	if imagesAfter-imagesBefore != 1.0 {
		t.Errorf("Expected image spend to grow by 1, got %f", imagesAfter-imagesBefore)
	}
}

func TestRecordRateLimitRejection(t *testing.T) {
	RateLimitRejectionsTotal.Reset()

	RecordRateLimitRejection("completion")

	count := testutil.ToFloat64(RateLimitRejectionsTotal.WithLabelValues("completion"))
	if count != 1.0 {
		t.Errorf("Expected rejection counter to be 1.0, got %f", count)
	}
}
