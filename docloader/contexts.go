package docloader

// preloadedContexts bundles the JSON-LD contexts every federated document
// references constantly. Bypassing the network (and the cache) for these
// mirrors the teacher's DefaultContext constant in ap/types.go, generalized
// here to the full loader contract: a preloaded context is never fetched
// and never written to the KV cache.
var preloadedContexts = map[string]interface{}{
	"https://www.w3.org/ns/activitystreams": map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
	},
	"https://w3id.org/security/v1": map[string]interface{}{
		"@context": "https://w3id.org/security/v1",
	},
	"https://w3id.org/security/data-integrity/v1": map[string]interface{}{
		"@context": "https://w3id.org/security/data-integrity/v1",
	},
}

func preloaded(url string) (*RemoteDocument, bool) {
	doc, ok := preloadedContexts[url]
	if !ok {
		return nil, false
	}
	return &RemoteDocument{DocumentURL: url, Document: doc}, true
}
