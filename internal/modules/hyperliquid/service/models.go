package service

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

type metaResponse struct {
	Universe []universeItem `json:"universe"`
}

type universeItem struct {
	Name         string `json:"name"`
	SzDecimals   int    `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated"`
	IsDelisted   bool   `json:"isDelisted"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position wirePosition `json:"position"`
		Type     string       `json:"type"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue    decimal.Decimal `json:"accountValue"`
		TotalNtlPos     decimal.Decimal `json:"totalNtlPos"`
		TotalMarginUsed decimal.Decimal `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	Withdrawable decimal.Decimal `json:"withdrawable"`
	Time         int64           `json:"time"`
}

type wirePosition struct {
	Coin     string          `json:"coin"`
	Szi      decimal.Decimal `json:"szi"`
	EntryPx  decimal.Decimal `json:"entryPx"`
	Leverage struct {
		Type  string `json:"type"`
		Value int    `json:"value"`
	} `json:"leverage"`
	PositionValue decimal.Decimal `json:"positionValue"`
	UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`
}

// order action, field order is part of the signed hash
type orderAction struct {
	Type     string      `msgpack:"type" json:"type"`
	Orders   []orderWire `msgpack:"orders" json:"orders"`
	Grouping string      `msgpack:"grouping" json:"grouping"`
}

type orderWire struct {
	Asset      int           `msgpack:"a" json:"a"`
	IsBuy      bool          `msgpack:"b" json:"b"`
	LimitPx    string        `msgpack:"p" json:"p"`
	Size       string        `msgpack:"s" json:"s"`
	ReduceOnly bool          `msgpack:"r" json:"r"`
	OrderType  orderTypeWire `msgpack:"t" json:"t"`
}

type orderTypeWire struct {
	Limit limitWire `msgpack:"limit" json:"limit"`
}

type limitWire struct {
	Tif string `msgpack:"tif" json:"tif"`
}

type signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

type exchangeRequest struct {
	Action       orderAction `json:"action"`
	Nonce        int64       `json:"nonce"`
	Signature    signature   `json:"signature"`
	VaultAddress *string     `json:"vaultAddress"`
}

// response is an object on success and a plain string on error
type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type orderResponse struct {
	Type string `json:"type"`
	Data struct {
		Statuses []orderStatus `json:"statuses"`
	} `json:"data"`
}

type orderStatus struct {
	Filled *struct {
		TotalSz decimal.Decimal `json:"totalSz"`
		AvgPx   decimal.Decimal `json:"avgPx"`
		Oid     int64           `json:"oid"`
	} `json:"filled,omitempty"`
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Error string `json:"error,omitempty"`
}

type wsRequest struct {
	Method       string          `json:"method"`
	Subscription *wsSubscription `json:"subscription,omitempty"`
}

type wsSubscription struct {
	Type            string `json:"type"`
	User            string `json:"user"`
	AggregateByTime bool   `json:"aggregateByTime,omitempty"`
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type userFillsData struct {
	IsSnapshot bool       `json:"isSnapshot"`
	User       string     `json:"user"`
	Fills      []wireFill `json:"fills"`
}

type wireFill struct {
	Coin          string          `json:"coin"`
	Px            decimal.Decimal `json:"px"`
	Sz            decimal.Decimal `json:"sz"`
	Side          string          `json:"side"`
	Time          int64           `json:"time"`
	StartPosition decimal.Decimal `json:"startPosition"`
	Dir           string          `json:"dir"`
	ClosedPnl     decimal.Decimal `json:"closedPnl"`
	Hash          string          `json:"hash"`
	Oid           int64           `json:"oid"`
	Crossed       bool            `json:"crossed"`
	Fee           decimal.Decimal `json:"fee"`
	Tid           int64           `json:"tid"`
	FeeToken      string          `json:"feeToken"`
}
