package schema

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"
)

type (
	// Manifest lists the collections to provision.
	Manifest struct {
		Collections []Collection
	}

	// Collection is the provisioning plan of a single collection.
	Collection struct {
		Name string
		// Drop removes existing indexes before Indices are created.
		Drop      bool
		Indices   []Index
		Validator bson.M
	}

	manifestDoc struct {
		Collections []collectionDoc `yaml:"collections"`
	}

	collectionDoc struct {
		Name      string     `yaml:"name"`
		Drop      bool       `yaml:"drop"`
		Indices   []indexDoc `yaml:"indices"`
		Validator yaml.Node  `yaml:"validator"`
	}

	indexDoc struct {
		Keys    yaml.Node        `yaml:"keys"`
		Exists  []string         `yaml:"exists"`
		Options *indexOptionsDoc `yaml:"options"`
	}

	indexOptionsDoc struct {
		Name               *string   `yaml:"name"`
		Unique             *bool     `yaml:"unique"`
		Sparse             *bool     `yaml:"sparse"`
		ExpireAfterSeconds *int32    `yaml:"expire_after_seconds"`
		PartialFilter      yaml.Node `yaml:"partial_filter"`
	}
)

// LoadManifest parses a YAML manifest such as:
//
//	collections:
//	  - name: users
//	    drop: true
//	    indices:
//	      - keys: {tenant: 1, email: 1}
//	        options: {name: tenant_email, unique: true}
//	      - exists: [external_id]
//	    validator:
//	      $jsonSchema:
//	        bsonType: object
//	        required: [email]
//
// Index keys keep the order in which they appear in the document.
func LoadManifest(r io.Reader) (*Manifest, error) {
	var doc manifestDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m := &Manifest{Collections: make([]Collection, 0, len(doc.Collections))}
	for i, cd := range doc.Collections {
		c, err := cd.collection()
		if err != nil {
			return nil, fmt.Errorf("collection %d: %w", i, err)
		}
		m.Collections = append(m.Collections, c)
	}
	return m, nil
}

// Apply provisions every collection of the manifest in order. Validators are
// applied before indexes so the collection exists when indexes are dropped.
func (m *Manifest) Apply(ctx context.Context, p *Provisioner) error {
	for _, c := range m.Collections {
		if len(c.Validator) > 0 {
			if err := p.CreateValidator(ctx, c.Name, c.Validator); err != nil {
				return err
			}
		}
		if len(c.Indices) > 0 {
			var opts []IndicesOption
			if c.Drop {
				opts = append(opts, WithDrop())
			}
			if err := p.CreateIndices(ctx, c.Name, c.Indices, opts...); err != nil {
				return err
			}
		}
	}
	return nil
}

func (cd collectionDoc) collection() (Collection, error) {
	if cd.Name == "" {
		return Collection{}, errors.New("name is required")
	}
	if cd.Drop && len(cd.Indices) == 0 {
		return Collection{}, fmt.Errorf("%s: drop requires indices", cd.Name)
	}
	c := Collection{Name: cd.Name, Drop: cd.Drop}
	for i, id := range cd.Indices {
		idx, err := id.index()
		if err != nil {
			return Collection{}, fmt.Errorf("%s: index %d: %w", cd.Name, i, err)
		}
		c.Indices = append(c.Indices, idx)
	}
	if !isZero(&cd.Validator) {
		v, err := nodeValue(&cd.Validator)
		if err != nil {
			return Collection{}, fmt.Errorf("%s: validator: %w", cd.Name, err)
		}
		d, ok := v.(bson.D)
		if !ok {
			return Collection{}, fmt.Errorf("%s: validator must be a mapping", cd.Name)
		}
		c.Validator = make(bson.M, len(d))
		for _, e := range d {
			c.Validator[e.Key] = e.Value
		}
	}
	return c, nil
}

func (id indexDoc) index() (Index, error) {
	hasKeys := !isZero(&id.Keys)
	switch {
	case hasKeys && len(id.Exists) > 0:
		return Index{}, errors.New("keys and exists are mutually exclusive")
	case len(id.Exists) > 0:
		if id.Options != nil {
			return Index{}, errors.New("exists indices take no options")
		}
		return ExistsIndex(id.Exists...), nil
	case !hasKeys:
		return Index{}, errors.New("keys are required")
	}
	v, err := nodeValue(&id.Keys)
	if err != nil {
		return Index{}, err
	}
	keys, ok := v.(bson.D)
	if !ok || len(keys) == 0 {
		return Index{}, errors.New("keys must be a non-empty mapping")
	}
	idx := Index{Keys: keys}
	if id.Options != nil {
		opts, err := id.Options.options()
		if err != nil {
			return Index{}, err
		}
		idx.Options = opts
	}
	return idx, nil
}

func (od *indexOptionsDoc) options() (*options.IndexOptions, error) {
	opts := options.Index()
	if od.Name != nil {
		opts.SetName(*od.Name)
	}
	if od.Unique != nil {
		opts.SetUnique(*od.Unique)
	}
	if od.Sparse != nil {
		opts.SetSparse(*od.Sparse)
	}
	if od.ExpireAfterSeconds != nil {
		opts.SetExpireAfterSeconds(*od.ExpireAfterSeconds)
	}
	if !isZero(&od.PartialFilter) {
		v, err := nodeValue(&od.PartialFilter)
		if err != nil {
			return nil, fmt.Errorf("partial_filter: %w", err)
		}
		opts.SetPartialFilterExpression(v)
	}
	return opts, nil
}

func isZero(n *yaml.Node) bool {
	return n.Kind == 0
}

// nodeValue converts a YAML node into BSON values keeping mapping order.
func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return nodeValue(n.Content[0])
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.MappingNode:
		d := make(bson.D, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			var key string
			if err := n.Content[i].Decode(&key); err != nil {
				return nil, fmt.Errorf("line %d: %w", n.Content[i].Line, err)
			}
			v, err := nodeValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			d = append(d, bson.E{Key: key, Value: v})
		}
		return d, nil
	case yaml.SequenceNode:
		a := make(bson.A, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return nil, err
			}
			a = append(a, v)
		}
		return a, nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("line %d: unsupported node", n.Line)
}
