package escrow

// contractABI is the subset of the escrow contract ABI the service reads
// and writes: the trade lifecycle events and the three resolution entry points.
const contractABI = `[
	{"anonymous":false,"name":"TradeCreated","type":"event","inputs":[
		{"indexed":true,"name":"tradeId","type":"uint256"},
		{"indexed":true,"name":"creator","type":"address"},
		{"indexed":true,"name":"counterparty","type":"address"},
		{"indexed":false,"name":"offeredCount","type":"uint256"},
		{"indexed":false,"name":"requestedCount","type":"uint256"},
		{"indexed":false,"name":"offeredNative","type":"uint256"},
		{"indexed":false,"name":"requestedNative","type":"uint256"},
		{"indexed":false,"name":"expiration","type":"uint256"}]},
	{"anonymous":false,"name":"TradeCancelled","type":"event","inputs":[
		{"indexed":true,"name":"tradeId","type":"uint256"},
		{"indexed":true,"name":"by","type":"address"}]},
	{"anonymous":false,"name":"TradeDeclined","type":"event","inputs":[
		{"indexed":true,"name":"tradeId","type":"uint256"},
		{"indexed":true,"name":"by","type":"address"}]},
	{"anonymous":false,"name":"TradeAccepted","type":"event","inputs":[
		{"indexed":true,"name":"tradeId","type":"uint256"},
		{"indexed":true,"name":"by","type":"address"}]},
	{"name":"cancelTrade","type":"function","stateMutability":"nonpayable","inputs":[{"name":"tradeId","type":"uint256"}],"outputs":[]},
	{"name":"declineTrade","type":"function","stateMutability":"nonpayable","inputs":[{"name":"tradeId","type":"uint256"}],"outputs":[]},
	{"name":"acceptTrade","type":"function","stateMutability":"payable","inputs":[{"name":"tradeId","type":"uint256"}],"outputs":[]}
]`
