package kiroproxy

import "github.com/bytedance/sonic"

// fastJSON favors throughput on the hot streaming path; safeJSON runs the
// standard-compat validator for anything that touches the credential store
// or admin surface, where a malformed file should fail loudly.
var (
	fastJSON = sonic.ConfigFastest
	safeJSON = sonic.ConfigStd
)

func fastMarshal(v any) ([]byte, error)          { return fastJSON.Marshal(v) }
func fastUnmarshal(data []byte, v any) error     { return fastJSON.Unmarshal(data, v) }
func safeMarshal(v any) ([]byte, error)          { return safeJSON.Marshal(v) }
func safeUnmarshal(data []byte, v any) error     { return safeJSON.Unmarshal(data, v) }
func marshalIndent(v any, prefix, indent string) ([]byte, error) {
	return safeJSON.MarshalIndent(v, prefix, indent)
}
