package dotysync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyOrder_DefaultRules(t *testing.T) {
	require.Equal(t, OrderTypeDelivery, ClassifyOrder(&Order{DeliveryMethod: "COURIER_DELIVERY"}, nil))
	require.Equal(t, OrderTypeTakeaway, ClassifyOrder(&Order{DeliveryMethod: "Pickup"}, nil))
	require.Equal(t, OrderTypeTakeaway, ClassifyOrder(&Order{Type: "TAKEAWAY"}, nil))
	require.Equal(t, OrderTypeOnSite, ClassifyOrder(&Order{Location: "Table 5"}, nil))
	require.Equal(t, OrderTypeOnSite, ClassifyOrder(&Order{Type: "RECEIPT"}, nil))
}

func TestClassifyOrder_NoMatchIsOther(t *testing.T) {
	require.Equal(t, OrderTypeOther, ClassifyOrder(&Order{Type: "MYSTERY"}, nil))
	require.Equal(t, OrderTypeOther, ClassifyOrder(&Order{}, nil))
}

func TestClassifyOrder_FirstMatchWins(t *testing.T) {
	rules := []ClassifyRule{
		{Field: "type", Contains: "special", OrderType: OrderTypeDelivery},
		{Field: "type", Contains: "receipt", OrderType: OrderTypeOnSite},
	}
	require.Equal(t, OrderTypeDelivery, ClassifyOrder(&Order{Type: "special receipt"}, rules))
	require.Equal(t, OrderTypeOnSite, ClassifyOrder(&Order{Type: "receipt"}, rules))
}

func TestClassifyOrder_CustomRulesReplaceDefaults(t *testing.T) {
	rules := []ClassifyRule{
		{Field: "location", Contains: "drive", OrderType: OrderTypeTakeaway},
	}
	// Matches the custom rule set only; the default "table" rule is gone.
	require.Equal(t, OrderTypeTakeaway, ClassifyOrder(&Order{Location: "Drive-through 1"}, rules))
	require.Equal(t, OrderTypeOther, ClassifyOrder(&Order{Location: "Table 5"}, rules))
}

func TestClassifyOrder_UnknownFieldIsIgnored(t *testing.T) {
	rules := []ClassifyRule{
		{Field: "nonsense", Contains: "x", OrderType: OrderTypeDelivery},
		{Field: "type", Contains: "receipt", OrderType: OrderTypeOnSite},
	}
	require.Equal(t, OrderTypeOnSite, ClassifyOrder(&Order{Type: "receipt"}, rules))
}

func TestOrderAccepted(t *testing.T) {
	require.True(t, OrderAccepted(OrderTypeOnSite, FilterAll))
	require.True(t, OrderAccepted(OrderTypeOther, FilterAll))
	require.True(t, OrderAccepted(OrderTypeOnSite, ""))

	require.True(t, OrderAccepted(OrderTypeOnSite, FilterOnSiteOnly))
	require.False(t, OrderAccepted(OrderTypeTakeaway, FilterOnSiteOnly))
	require.False(t, OrderAccepted(OrderTypeOther, FilterOnSiteOnly))

	require.True(t, OrderAccepted(OrderTypeTakeaway, FilterTakeawayOnly))
	require.False(t, OrderAccepted(OrderTypeOnSite, FilterTakeawayOnly))
}
