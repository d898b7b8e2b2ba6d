package vault

// EncryptObject returns a copy of tree with every string leaf encrypted.
// Maps and slices are walked recursively; numbers, booleans and nil are
// left as they are. The input is not modified. map[string]string and
// []string are sealed too and come back as map[string]any and []any.
func (v *Vault) EncryptObject(tree any) any {
	return walk(tree, v.Encrypt)
}

// DecryptObject is the inverse of EncryptObject. Leaves that are not
// sealed blobs come back unchanged.
func (v *Vault) DecryptObject(tree any) any {
	return walk(tree, v.Decrypt)
}

// walk applies fn to every string leaf of a JSON-like tree.
func walk(node any, fn func(string) string) any {
	switch n := node.(type) {
	case string:
		return fn(n)
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, child := range n {
			out[k] = walk(child, fn)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, child := range n {
			out[i] = walk(child, fn)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(n))
		for k, s := range n {
			out[k] = fn(s)
		}
		return out
	case []string:
		out := make([]any, len(n))
		for i, s := range n {
			out[i] = fn(s)
		}
		return out
	default:
		return node
	}
}
