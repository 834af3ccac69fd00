package bitcoin

// TransactionDetails is the verbose getrawtransaction payload. BlockHash and
// Confirmations are only present once the transaction is mined.
type TransactionDetails struct {
	Txid          string  `json:"txid"`
	BlockHash     string  `json:"blockhash,omitempty"`
	Confirmations uint64  `json:"confirmations,omitempty"`
	Vin           []Vin   `json:"vin"`
	Vout          []Vout  `json:"vout"`
	Time          int64   `json:"time"`
	Fees          float64 `json:"fees"`
}

type Vin struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type Vout struct {
	Value        float64      `json:"value"`
	N            uint32       `json:"n"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

// ScriptPubKey carries the destination address. Older nodes report a list,
// newer ones a single address field.
type ScriptPubKey struct {
	Address   string   `json:"address"`
	Addresses []string `json:"addresses"`
}

func (s ScriptPubKey) addressList() []string {
	if s.Address != "" {
		return []string{s.Address}
	}
	return s.Addresses
}

// BlockDetails is the getblock payload at verbosity 1.
type BlockDetails struct {
	Hash   string   `json:"hash"`
	Tx     []string `json:"tx"`
	Height uint64   `json:"height"`
	Time   int64    `json:"time"`
}
