// Package pipeline cleans raw listing rows before they reach training.
package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"carprice/ml"
)

// Listing 一条待清洗的二手车挂牌记录
type Listing struct {
	Record ml.Record
	Price  float64
}

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(*Listing) error
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Rule    string `json:"rule"`
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// DataCleaner 数据清洗器
type DataCleaner struct {
	rules   []CleaningRule
	outlier *OutlierDetectionRule

	stats     CleaningStats
	statsLock sync.RWMutex
}

// NewDataCleaner 创建带默认规则的清洗器
func NewDataCleaner() *DataCleaner {
	cleaner := &DataCleaner{
		stats:   CleaningStats{Issues: make(map[string]int64)},
		outlier: NewOutlierDetectionRule(),
	}
	cleaner.AddRule(NewPriceValidationRule())
	cleaner.AddRule(NewYearValidationRule())
	cleaner.AddRule(NewMileageValidationRule())
	cleaner.AddRule(NewDuplicateDetectionRule())
	return cleaner
}

// AddRule 添加逐行规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
}

// SetOutlierThreshold 设置价格 z-score 阈值，0 表示关闭
func (dc *DataCleaner) SetOutlierThreshold(threshold float64) {
	dc.outlier.StdDevThreshold = threshold
}

// Clean 先逐行校验，再在通过的行上做批量异常值检测
func (dc *DataCleaner) Clean(ds *ml.Dataset) (*ml.Dataset, []QualityIssue) {
	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	var issues []QualityIssue
	kept := make([]int, 0, ds.Len())
	for i := range ds.Records {
		dc.stats.TotalProcessed++
		listing := &Listing{Record: ds.Records[i], Price: ds.Targets[i]}
		if issue, failed := dc.applyRules(i, listing); failed {
			issues = append(issues, issue)
			continue
		}
		kept = append(kept, i)
	}

	prices := make([]float64, len(kept))
	for j, i := range kept {
		prices[j] = ds.Targets[i]
	}
	flagged := dc.outlier.Detect(prices)

	out := &ml.Dataset{}
	for j, i := range kept {
		if flagged[j] {
			issues = append(issues, QualityIssue{
				Rule:    dc.outlier.Name(),
				Row:     i,
				Message: fmt.Sprintf("selling price %.0f is more than %.1f standard deviations from the mean", ds.Targets[i], dc.outlier.StdDevThreshold),
			})
			dc.reject(dc.outlier.Name())
			continue
		}
		dc.stats.Passed++
		out.Records = append(out.Records, ds.Records[i])
		out.Targets = append(out.Targets, ds.Targets[i])
	}

	dc.stats.LastClean = time.Now()
	return out, issues
}

func (dc *DataCleaner) applyRules(row int, listing *Listing) (QualityIssue, bool) {
	for _, rule := range dc.rules {
		if err := rule.Apply(listing); err != nil {
			dc.reject(rule.Name())
			return QualityIssue{Rule: rule.Name(), Row: row, Message: err.Error()}, true
		}
	}
	return QualityIssue{}, false
}

// reject 记录一次拒绝，调用方持有 statsLock
func (dc *DataCleaner) reject(rule string) {
	dc.stats.Rejected++
	dc.stats.Issues[rule]++
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// ============ 清洗规则实现 ============

// PriceValidationRule 价格验证规则
type PriceValidationRule struct {
	MinPrice float64
	MaxPrice float64
}

func NewPriceValidationRule() *PriceValidationRule {
	return &PriceValidationRule{
		MinPrice: 1,
		MaxPrice: 1e9,
	}
}

func (r *PriceValidationRule) Name() string {
	return "price_validation"
}

func (r *PriceValidationRule) Apply(l *Listing) error {
	if math.IsNaN(l.Price) || l.Price < r.MinPrice || l.Price > r.MaxPrice {
		return fmt.Errorf("selling price %.2f out of range [%.0f, %.0f]", l.Price, r.MinPrice, r.MaxPrice)
	}
	return nil
}

// YearValidationRule 年份验证规则，缺失的年份留给均值填充
type YearValidationRule struct {
	MinYear int
	MaxYear int
}

func NewYearValidationRule() *YearValidationRule {
	return &YearValidationRule{
		MinYear: 1900,
		MaxYear: time.Now().Year() + 1,
	}
}

func (r *YearValidationRule) Name() string {
	return "year_validation"
}

func (r *YearValidationRule) Apply(l *Listing) error {
	year, ok := l.Record.Numeric["year"]
	if !ok {
		return nil
	}
	if year < float64(r.MinYear) || year > float64(r.MaxYear) {
		return fmt.Errorf("year %.0f out of range [%d, %d]", year, r.MinYear, r.MaxYear)
	}
	return nil
}

// MileageValidationRule 里程验证规则
type MileageValidationRule struct {
	MaxKm float64
}

func NewMileageValidationRule() *MileageValidationRule {
	return &MileageValidationRule{MaxKm: 1e7}
}

func (r *MileageValidationRule) Name() string {
	return "mileage_validation"
}

func (r *MileageValidationRule) Apply(l *Listing) error {
	km, ok := l.Record.Numeric["km_driven"]
	if !ok {
		return nil
	}
	if km < 0 || km > r.MaxKm {
		return fmt.Errorf("km_driven %.0f out of range [0, %.0f]", km, r.MaxKm)
	}
	return nil
}

// DuplicateDetectionRule 重复检测规则，整行（含价格）相同即视为重复
type DuplicateDetectionRule struct {
	seenMap map[string]struct{}
	mu      sync.Mutex
}

func NewDuplicateDetectionRule() *DuplicateDetectionRule {
	return &DuplicateDetectionRule{
		seenMap: make(map[string]struct{}),
	}
}

func (r *DuplicateDetectionRule) Name() string {
	return "duplicate_detection"
}

func (r *DuplicateDetectionRule) Apply(l *Listing) error {
	key := listingKey(l)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.seenMap[key]; exists {
		return fmt.Errorf("duplicate listing: %s", key)
	}
	r.seenMap[key] = struct{}{}
	return nil
}

func listingKey(l *Listing) string {
	parts := make([]string, 0, len(l.Record.Numeric)+len(l.Record.Categorical)+1)
	for k, v := range l.Record.Numeric {
		parts = append(parts, fmt.Sprintf("%s=%g", k, v))
	}
	for k, v := range l.Record.Categorical {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	parts = append(parts, fmt.Sprintf("price=%g", l.Price))
	return strings.Join(parts, "|")
}

// OutlierDetectionRule 基于整批价格的 z-score 异常值检测
type OutlierDetectionRule struct {
	StdDevThreshold float64
}

func NewOutlierDetectionRule() *OutlierDetectionRule {
	return &OutlierDetectionRule{
		StdDevThreshold: 4.0,
	}
}

func (r *OutlierDetectionRule) Name() string {
	return "outlier_detection"
}

// Detect 返回每个价格是否为异常值
func (r *OutlierDetectionRule) Detect(prices []float64) []bool {
	flagged := make([]bool, len(prices))
	if r.StdDevThreshold <= 0 || len(prices) < 3 {
		return flagged
	}
	mean, stdDev := stat.MeanStdDev(prices, nil)
	if stdDev == 0 {
		return flagged
	}
	for i, p := range prices {
		if math.Abs((p-mean)/stdDev) > r.StdDevThreshold {
			flagged[i] = true
		}
	}
	return flagged
}
