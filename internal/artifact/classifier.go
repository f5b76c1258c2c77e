package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	modelKindDecisionTree       = "decision_tree"
	modelKindRandomForest       = "random_forest"
	modelKindLogisticRegression = "logistic_regression"
)

type modelDocument struct {
	Kind      string         `json:"kind"`
	Classes   []int          `json:"classes"`
	NFeatures int            `json:"nFeatures"`
	Tree      *treeDocument  `json:"tree"`
	Trees     []treeDocument `json:"trees"`
	Coef      [][]float64    `json:"coef"`
	Intercept []float64      `json:"intercept"`
}

type treeDocument struct {
	ChildrenLeft  []int       `json:"childrenLeft"`
	ChildrenRight []int       `json:"childrenRight"`
	Feature       []int       `json:"feature"`
	Threshold     []float64   `json:"threshold"`
	Value         [][]float64 `json:"value"`
}

const leafNode = -1

// tree is a fitted binary decision tree stored as parallel node arrays.
type tree struct {
	left      []int
	right     []int
	feature   []int
	threshold []float64
	value     [][]float64
	maxFeat   int
}

func newTree(doc treeDocument) (*tree, error) {
	n := len(doc.ChildrenLeft)
	if n == 0 {
		return nil, errors.New("tree has no nodes")
	}
	if len(doc.ChildrenRight) != n || len(doc.Feature) != n || len(doc.Threshold) != n || len(doc.Value) != n {
		return nil, fmt.Errorf("tree node arrays disagree in length (%d nodes)", n)
	}

	width := len(doc.Value[0])
	if width == 0 {
		return nil, errors.New("tree node values must not be empty")
	}

	t := &tree{
		left:      doc.ChildrenLeft,
		right:     doc.ChildrenRight,
		feature:   doc.Feature,
		threshold: doc.Threshold,
		value:     doc.Value,
		maxFeat:   -1,
	}

	for i := 0; i < n; i++ {
		if len(doc.Value[i]) != width {
			return nil, fmt.Errorf("node %d has %d class values, expected %d", i, len(doc.Value[i]), width)
		}
		l, r := doc.ChildrenLeft[i], doc.ChildrenRight[i]
		if l == leafNode || r == leafNode {
			if l != r {
				return nil, fmt.Errorf("node %d has a single child", i)
			}
			continue
		}
		if l <= i || l >= n || r <= i || r >= n {
			return nil, fmt.Errorf("node %d has child index out of range", i)
		}
		if doc.Feature[i] < 0 {
			return nil, fmt.Errorf("node %d has negative feature index", i)
		}
		if doc.Feature[i] > t.maxFeat {
			t.maxFeat = doc.Feature[i]
		}
	}

	return t, nil
}

func (t *tree) width() int {
	return len(t.value[0])
}

// proba walks to a leaf and returns its normalised class distribution.
func (t *tree) proba(x []float64) ([]float64, error) {
	if t.maxFeat >= len(x) {
		return nil, fmt.Errorf("tree splits on feature %d, input has %d features", t.maxFeat, len(x))
	}

	node := 0
	for t.left[node] != leafNode {
		if x[t.feature[node]] <= t.threshold[node] {
			node = t.left[node]
		} else {
			node = t.right[node]
		}
	}

	leaf := t.value[node]
	var total float64
	for _, v := range leaf {
		total += v
	}
	out := make([]float64, len(leaf))
	for i, v := range leaf {
		if total > 0 {
			out[i] = v / total
		}
	}
	return out, nil
}

// DecisionTree predicts the majority class of the reached leaf.
type DecisionTree struct {
	tree      *tree
	classes   []int
	nFeatures int
}

// Predict returns the encoded class for a scaled feature vector.
func (m *DecisionTree) Predict(features []float64) (int, error) {
	if err := checkFeatureCount("DecisionTreeClassifier", features, m.nFeatures); err != nil {
		return 0, err
	}
	p, err := m.tree.proba(features)
	if err != nil {
		return 0, err
	}
	return m.classes[argmax(p)], nil
}

// RandomForest averages the leaf distributions of its trees (soft voting).
type RandomForest struct {
	trees     []*tree
	classes   []int
	nFeatures int
}

// Predict returns the encoded class for a scaled feature vector.
func (m *RandomForest) Predict(features []float64) (int, error) {
	if err := checkFeatureCount("RandomForestClassifier", features, m.nFeatures); err != nil {
		return 0, err
	}
	sum := make([]float64, len(m.classes))
	for i, t := range m.trees {
		p, err := t.proba(features)
		if err != nil {
			return 0, fmt.Errorf("tree %d: %w", i, err)
		}
		for j, v := range p {
			sum[j] += v
		}
	}
	return m.classes[argmax(sum)], nil
}

// LogisticRegression picks the class with the highest decision function.
type LogisticRegression struct {
	coef      [][]float64
	intercept []float64
	classes   []int
}

// Predict returns the encoded class for a scaled feature vector.
func (m *LogisticRegression) Predict(features []float64) (int, error) {
	if err := checkFeatureCount("LogisticRegression", features, len(m.coef[0])); err != nil {
		return 0, err
	}
	scores := make([]float64, len(m.coef))
	for k, row := range m.coef {
		s := m.intercept[k]
		for i, w := range row {
			s += w * features[i]
		}
		scores[k] = s
	}
	if len(scores) == 1 {
		if scores[0] > 0 {
			return m.classes[1], nil
		}
		return m.classes[0], nil
	}
	return m.classes[argmax(scores)], nil
}

// DecodeClassifier parses a JSON model document.
func DecodeClassifier(data []byte) (Classifier, error) {
	var doc modelDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}

	switch doc.Kind {
	case modelKindDecisionTree:
		if doc.Tree == nil {
			return nil, errors.New("decision_tree model requires tree")
		}
		t, err := newTree(*doc.Tree)
		if err != nil {
			return nil, err
		}
		classes, err := resolveClasses(doc.Classes, t.width())
		if err != nil {
			return nil, err
		}
		return &DecisionTree{tree: t, classes: classes, nFeatures: doc.NFeatures}, nil

	case modelKindRandomForest:
		if len(doc.Trees) == 0 {
			return nil, errors.New("random_forest model requires trees")
		}
		trees := make([]*tree, len(doc.Trees))
		for i, td := range doc.Trees {
			t, err := newTree(td)
			if err != nil {
				return nil, fmt.Errorf("tree %d: %w", i, err)
			}
			if i > 0 && t.width() != trees[0].width() {
				return nil, fmt.Errorf("tree %d has %d classes, expected %d", i, t.width(), trees[0].width())
			}
			trees[i] = t
		}
		classes, err := resolveClasses(doc.Classes, trees[0].width())
		if err != nil {
			return nil, err
		}
		return &RandomForest{trees: trees, classes: classes, nFeatures: doc.NFeatures}, nil

	case modelKindLogisticRegression:
		if len(doc.Coef) == 0 || len(doc.Coef[0]) == 0 {
			return nil, errors.New("logistic_regression model requires coef")
		}
		if len(doc.Intercept) != len(doc.Coef) {
			return nil, fmt.Errorf("logistic_regression intercept has %d values, coef has %d rows", len(doc.Intercept), len(doc.Coef))
		}
		for i, row := range doc.Coef {
			if len(row) != len(doc.Coef[0]) {
				return nil, fmt.Errorf("coef row %d has %d values, expected %d", i, len(row), len(doc.Coef[0]))
			}
		}
		width := len(doc.Coef)
		if width == 1 {
			width = 2
		}
		classes, err := resolveClasses(doc.Classes, width)
		if err != nil {
			return nil, err
		}
		return &LogisticRegression{coef: doc.Coef, intercept: doc.Intercept, classes: classes}, nil

	default:
		return nil, fmt.Errorf("unsupported model kind %q", doc.Kind)
	}
}

func resolveClasses(classes []int, width int) ([]int, error) {
	if len(classes) == 0 {
		out := make([]int, width)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	if len(classes) != width {
		return nil, fmt.Errorf("model lists %d classes, expected %d", len(classes), width)
	}
	return append([]int(nil), classes...), nil
}

func checkFeatureCount(owner string, features []float64, want int) error {
	if want > 0 && len(features) != want {
		return featureCountError(owner, len(features), want)
	}
	return nil
}

func argmax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
