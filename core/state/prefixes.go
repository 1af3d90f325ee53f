package state

var (
	listingRecordPrefix = []byte("market/listing/")
	marketCountersKey   = []byte("market/counters")
	marketFeeKey        = []byte("market/fee")
	accountPrefix       = []byte("account/")
	nftOwnerPrefix      = []byte("nft/owner/")
)
