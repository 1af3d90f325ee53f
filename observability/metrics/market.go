package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type MarketMetrics struct {
	listingsCreated prometheus.Counter
	purchases       prometheus.Counter
	rejections      *prometheus.CounterVec
	feesCollected   prometheus.Counter
	saleVolume      prometheus.Counter
	available       prometheus.Gauge
	rollbacks       *prometheus.CounterVec
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			listingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_listings_created_total",
				Help: "Count of listings committed to the ledger.",
			}),
			purchases: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_purchases_total",
				Help: "Count of listings settled by a purchase.",
			}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_rejections_total",
				Help: "Count of rejected ledger operations by operation and reason.",
			}, []string{"op", "reason"}),
			feesCollected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_listing_fees_collected",
				Help: "Sum of listing fees forwarded to the operator.",
			}),
			saleVolume: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_sale_volume",
				Help: "Sum of settled sale prices paid to sellers.",
			}),
			available: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_available_listings",
				Help: "Listings currently held in escrow and open for purchase.",
			}),
			rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_rollbacks_total",
				Help: "Settlement rollbacks by operation and outcome.",
			}, []string{"op", "outcome"}),
		}
		prometheus.MustRegister(
			marketRegistry.listingsCreated,
			marketRegistry.purchases,
			marketRegistry.rejections,
			marketRegistry.feesCollected,
			marketRegistry.saleVolume,
			marketRegistry.available,
			marketRegistry.rollbacks,
		)
	})
	return marketRegistry
}

func (m *MarketMetrics) ObserveListingCreated(fee *big.Int) {
	if m == nil {
		return
	}
	m.listingsCreated.Inc()
	m.feesCollected.Add(amountFloat(fee))
}

func (m *MarketMetrics) ObservePurchase(price *big.Int) {
	if m == nil {
		return
	}
	m.purchases.Inc()
	m.saleVolume.Add(amountFloat(price))
}

func (m *MarketMetrics) ObserveRejected(op, reason string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejections.WithLabelValues(op, reason).Inc()
}

func (m *MarketMetrics) ObserveRollback(op string, clean bool) {
	if m == nil {
		return
	}
	outcome := "clean"
	if !clean {
		outcome = "failed"
	}
	m.rollbacks.WithLabelValues(op, outcome).Inc()
}

func (m *MarketMetrics) SetAvailable(n int) {
	if m == nil {
		return
	}
	m.available.Set(float64(n))
}

func amountFloat(v *big.Int) float64 {
	if v == nil || v.Sign() <= 0 {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
