// Package filter defines the match criteria sent with every request and
// the node-side evaluation of those criteria.
//
// A Filter combines fact comparisons, class membership, agent names,
// identities and compound expressions. Values written as /pattern/ are
// regular expressions. An empty filter matches every node.
//
// Compound expressions are tokenized by ParseCompound:
//
//	expr, err := filter.ParseCompound("(country=de or country=fr) and fact('os').value=linux")
//	f := filter.New().WithCompound(expr)
//
// A Matcher evaluates a Filter against one node's inventory. Function
// statements are resolved through a DataFunc, concurrently and at most
// once per distinct call.
package filter
