package service

import (
	"fmt"

	"tokenledger/internal/config"
	"tokenledger/internal/model"
)

// ============================================================================
// 计价
// ============================================================================
//
// 单价由 feature×action 的费率表决定，配置文件可以临时覆盖单价。
// 批量总价不等于 单价×数量：BATCHOPEN 有阶梯折扣，ADSCENTER 有阶梯加价，
// 所以 batchSize > 1 时必须重新走批量规则算总价。
// 全程整数运算，金额类数值永远不碰浮点。
//
// ============================================================================

// 默认费率表（单价，Token/次）
var defaultRates = map[model.Feature]map[string]int64{
	model.FeatureSiteRank: {
		"domain_analysis": 1,
		"keyword_report":  2,
	},
	model.FeatureBatchOpen: {
		"url_access": 1,
		"url_verify": 2,
	},
	model.FeatureAdsCenter: {
		"link_rotate":   3,
		"campaign_sync": 5,
	},
}

// PricingResolver 计价解析器
type PricingResolver struct {
	rates map[model.Feature]map[string]int64
}

// NewPricingResolver 创建计价解析器，应用配置中的单价覆盖
// 覆盖 key 形如 "BATCHOPEN.url_access"，只能覆盖已知组合，未知 key 忽略
func NewPricingResolver(cfg *config.PricingConfig) *PricingResolver {
	rates := make(map[model.Feature]map[string]int64, len(defaultRates))
	for feature, actions := range defaultRates {
		rates[feature] = make(map[string]int64, len(actions))
		for action, unit := range actions {
			if cfg != nil {
				if v, ok := cfg.Overrides[fmt.Sprintf("%s.%s", feature, action)]; ok && v > 0 {
					unit = v
				}
			}
			rates[feature][action] = unit
		}
	}
	return &PricingResolver{rates: rates}
}

// Resolve 解析一次消费的总价与参考单价
//
// customAmount > 0 时调用方已经知道真实成本（受信内部调用），
// 总价 = customAmount × max(1, batchSize)，不走折扣规则。
// 其余情况单价取费率表，batchSize > 1 走批量规则算总价。
// batchSize = 1 永远按非批量处理。
func (p *PricingResolver) Resolve(feature model.Feature, action string, batchSize int, customAmount int64) (total, unit int64, err error) {
	if batchSize < 1 {
		batchSize = 1
	}

	if customAmount > 0 {
		return customAmount * int64(batchSize), customAmount, nil
	}

	unit, err = p.unitCost(feature, action)
	if err != nil {
		return 0, 0, err
	}

	if batchSize == 1 {
		return unit, unit, nil
	}

	return p.batchCost(feature, unit, batchSize), unit, nil
}

func (p *PricingResolver) unitCost(feature model.Feature, action string) (int64, error) {
	actions, ok := p.rates[feature]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPricing, feature)
	}
	unit, ok := actions[action]
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s", ErrUnknownPricing, feature, action)
	}
	return unit, nil
}

// batchCost 批量总价
//
// BATCHOPEN 按量折扣：>=1000 打 8 折，>=100 打 9 折
// ADSCENTER 阶梯加价：>50 加价 15%，>20 加价 5%（大批量轮换的风控成本）
// SITERANK 线性计价
// 整数乘除顺序固定为 先乘后除，折扣取整的零头留给用户（向下取整）
func (p *PricingResolver) batchCost(feature model.Feature, unit int64, count int) int64 {
	linear := unit * int64(count)

	switch feature {
	case model.FeatureBatchOpen:
		switch {
		case count >= 1000:
			return linear * 80 / 100
		case count >= 100:
			return linear * 90 / 100
		}
	case model.FeatureAdsCenter:
		switch {
		case count > 50:
			return linear * 115 / 100
		case count > 20:
			return linear * 105 / 100
		}
	}

	return linear
}
