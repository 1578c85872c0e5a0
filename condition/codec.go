package condition

import "encoding/json"

// MarshalJSON renders a Node as whichever of its two shapes is populated.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.Condition != nil {
		return json.Marshal(n.Condition)
	}
	if n.Group != nil {
		return json.Marshal(n.Group)
	}
	return []byte("null"), nil
}

// UnmarshalJSON decodes a Node from either a Condition object (has an
// "operator" key) or a Group object (has a "conditions" key), per spec.md
// §4.3's recursive grammar.
func (n *Node) UnmarshalJSON(data []byte) error {
	var probe struct {
		Operator   *Operator `json:"operator"`
		Conditions *[]Node   `json:"conditions"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Operator != nil {
		var c Condition
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		n.Condition = &c
		return nil
	}
	var g Group
	if err := json.Unmarshal(data, &g); err != nil {
		return err
	}
	n.Group = &g
	return nil
}
