package checker

import (
	"fmt"
	"strings"

	"stockwatch/internal/model"
)

// SelectorKind 表示检查范围的选择方式。
type SelectorKind int

const (
	// SelectAll 所有启用中的商品。
	SelectAll SelectorKind = iota
	// SelectItem 单个商品 ID。
	SelectItem
	// SelectProduct 引用某个外部商品编号的所有启用商品。
	SelectProduct
)

// Selector 指定一次检查覆盖哪些商品。
type Selector struct {
	Kind      SelectorKind
	ItemID    uint
	ProductID string
	Trigger   string // webhook / scheduler / queue / manual
}

// All 返回检查全部启用商品的选择器。
func All(trigger string) Selector {
	return Selector{Kind: SelectAll, Trigger: trigger}
}

// ByItem 返回检查单个商品的选择器。
func ByItem(id uint, trigger string) Selector {
	return Selector{Kind: SelectItem, ItemID: id, Trigger: trigger}
}

// ByProduct 返回按外部商品编号检查的选择器。
func ByProduct(productID, trigger string) Selector {
	return Selector{Kind: SelectProduct, ProductID: strings.TrimSpace(productID), Trigger: trigger}
}

// Validate 检查选择器字段是否完整。
func (s Selector) Validate() error {
	switch s.Kind {
	case SelectAll:
		return nil
	case SelectItem:
		if s.ItemID == 0 {
			return fmt.Errorf("%w: item id is required", ErrInvalidSelector)
		}
		return nil
	case SelectProduct:
		if strings.TrimSpace(s.ProductID) == "" {
			return fmt.Errorf("%w: product id is required", ErrInvalidSelector)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidSelector, s.Kind)
	}
}

func (s Selector) String() string {
	switch s.Kind {
	case SelectItem:
		return fmt.Sprintf("item_id=%d", s.ItemID)
	case SelectProduct:
		return "product_id=" + s.ProductID
	default:
		return "all"
	}
}

func (s Selector) trigger() string {
	if s.Trigger == "" {
		return model.TriggerManual
	}
	return s.Trigger
}
