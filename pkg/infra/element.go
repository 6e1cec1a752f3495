package infra

// Element contains the data for the whole lifecycle of a benchmark transaction
type Element struct {
	Index    int
	Function string
	Args     []string
	Txid     string
}
