package profile

import "sort"

// Order names one of the sort keys a report can be ordered by (spec
// §4.8). Ties fall through to the next Order in the list passed to
// Sort.
type Order int

const (
	OrderVMA Order = iota
	OrderSampleCount
	OrderSymbolName
	OrderImageName
	OrderAppName
	OrderDebugInfo
)

// Key is one sort order plus its direction.
type Key struct {
	Order   Order
	Reverse bool
}

func less(a, b *SymbolCounts, k Key) (isLess, equal bool) {
	switch k.Order {
	case OrderVMA:
		equal = a.Symbol.Start == b.Symbol.Start
		isLess = a.Symbol.Start < b.Symbol.Start
	case OrderSampleCount:
		ta, tb := a.Total(), b.Total()
		equal = ta == tb
		isLess = ta < tb
	case OrderSymbolName:
		equal = a.Symbol.Name == b.Symbol.Name
		isLess = a.Symbol.Name < b.Symbol.Name
	case OrderImageName:
		pa, pb := imagePath(a), imagePath(b)
		equal = pa == pb
		isLess = pa < pb
	case OrderAppName:
		aa, ab := appName(a), appName(b)
		equal = aa == ab
		isLess = aa < ab
	case OrderDebugInfo:
		fa, la := firstDetail(a)
		fb, lb := firstDetail(b)
		equal = fa == fb && la == lb
		if fa != fb {
			isLess = fa < fb
		} else {
			isLess = la < lb
		}
	}
	if k.Reverse && !equal {
		isLess = !isLess
	}
	return isLess, equal
}

func imagePath(sc *SymbolCounts) string {
	if sc.Image == nil {
		return ""
	}
	return sc.Image.Path
}

func appName(sc *SymbolCounts) string {
	if sc.Image == nil {
		return ""
	}
	return sc.Image.AppOwner
}

func firstDetail(sc *SymbolCounts) (string, int) {
	for _, perClass := range sc.Details {
		if len(perClass) > 0 {
			return perClass[0].File, perClass[0].Line
		}
	}
	return "", 0
}

// Sort orders list by keys, each breaking ties in the next. It applies
// keys from least to most significant with a stable sort, the standard
// idiom for multi-key ordering.
func Sort(list []*SymbolCounts, keys []Key) {
	for i := len(keys) - 1; i >= 0; i-- {
		k := keys[i]
		sort.SliceStable(list, func(a, b int) bool {
			isLess, _ := less(list[a], list[b], k)
			return isLess
		})
	}
}
