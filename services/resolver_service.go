package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"labdrive/models"

	"go.mongodb.org/mongo-driver/bson"
)

// resolverSort stabilizes every multi-match lookup. Ambiguity at a
// non-terminal level is resolved silently by taking the first match in this
// order.
var resolverSort = bson.D{{Key: "created", Value: 1}, {Key: "_id", Value: 1}}

// ResolvedNode is one element of a resolved path or child listing: a
// container, a file, or a gear, stamped with its container type.
type ResolvedNode struct {
	ContainerType string
	Container     *models.Container
	File          *models.FileEntry
	Gear          *models.Gear
}

// MarshalJSON flattens the node to its payload document.
func (n ResolvedNode) MarshalJSON() ([]byte, error) {
	switch {
	case n.Container != nil:
		return json.Marshal(n.Container)
	case n.File != nil:
		return json.Marshal(n.File)
	case n.Gear != nil:
		return json.Marshal(n.Gear)
	}
	return []byte("null"), nil
}

// Resolution is the outcome of a full path resolution: the chain of matched
// objects and the terminal node's browsable children.
type Resolution struct {
	Path     []ResolvedNode `json:"path"`
	Children []ResolvedNode `json:"children"`
}

// ResolverService walks human-supplied path segments through the container
// hierarchy, the gear registry and file lists. Each segment is matched
// against the level's display field (code for subjects, label otherwise)
// unless escaped as a literal id with <id:VALUE>.
type ResolverService struct {
	containers *ContainerService
	gears      *GearService
	// includeSubjects places subjects between projects and sessions in paths.
	includeSubjects bool
}

func NewResolverService(containers *ContainerService, gears *GearService, includeSubjects bool) *ResolverService {
	return &ResolverService{containers: containers, gears: gears, includeSubjects: includeSubjects}
}

// Resolve walks the whole path and lists the terminal node's children. An
// empty path lists the root (groups). Trailing segments that no node can
// consume are an error, never silently ignored.
func (s *ResolverService) Resolve(ctx context.Context, path []string) (*Resolution, error) {
	w := &resolveWalk{segments: path}
	node, err := s.walk(ctx, w)
	if err != nil {
		return nil, err
	}

	children := []ResolvedNode{}
	if node != nil {
		children, err = node.children(ctx, w)
		if err != nil {
			return nil, err
		}
	}
	if w.resolved == nil {
		w.resolved = []ResolvedNode{}
	}
	return &Resolution{Path: w.resolved, Children: children}, nil
}

// Lookup resolves the path with minimized projections and returns only the
// terminal element.
func (s *ResolverService) Lookup(ctx context.Context, path []string) (*ResolvedNode, error) {
	w := &resolveWalk{segments: path, idOnly: true}
	if _, err := s.walk(ctx, w); err != nil {
		return nil, err
	}
	if len(w.resolved) == 0 {
		return nil, notFound("lookup path did not resolve to anything")
	}
	return &w.resolved[len(w.resolved)-1], nil
}

func (s *ResolverService) walk(ctx context.Context, w *resolveWalk) (resolverNode, error) {
	var node resolverNode = &rootNode{s: s}
	for w.remaining() {
		next, err := node.next(ctx, w)
		if err != nil {
			return nil, err
		}
		if next == nil {
			if w.remaining() {
				return nil, notFound("could not resolve remaining path segments %q", strings.Join(w.rest(), "/"))
			}
			return nil, nil
		}
		node = next
	}
	return node, nil
}

// resolveWalk carries the mutable resolution state: the unconsumed segments
// and the objects matched so far.
type resolveWalk struct {
	segments []string
	pos      int
	resolved []ResolvedNode
	idOnly   bool
}

func (w *resolveWalk) remaining() bool { return w.pos < len(w.segments) }

func (w *resolveWalk) pop() string {
	seg := w.segments[w.pos]
	w.pos++
	return seg
}

func (w *resolveWalk) peek() (string, bool) {
	if !w.remaining() {
		return "", false
	}
	return w.segments[w.pos], true
}

func (w *resolveWalk) rest() []string { return w.segments[w.pos:] }

func (w *resolveWalk) push(n ResolvedNode) { w.resolved = append(w.resolved, n) }

// lastContainer returns the most recently resolved container.
func (w *resolveWalk) lastContainer() *models.Container {
	for i := len(w.resolved) - 1; i >= 0; i-- {
		if w.resolved[i].Container != nil {
			return w.resolved[i].Container
		}
	}
	return nil
}

// Each node consumes one path segment, appends the object it matched and
// returns the node that interprets the following segment, or nil at a leaf.
type resolverNode interface {
	next(ctx context.Context, w *resolveWalk) (resolverNode, error)
	children(ctx context.Context, w *resolveWalk) ([]ResolvedNode, error)
}

// rootNode dispatches the first segment: "gears" switches to the gear
// registry, everything else is a group id. Its children are all groups.
type rootNode struct {
	s *ResolverService
}

func (n *rootNode) next(ctx context.Context, w *resolveWalk) (resolverNode, error) {
	if seg, ok := w.peek(); ok && seg == "gears" {
		w.pop()
		return &gearsNode{s: n.s}, nil
	}
	group := &containerNode{s: n.s, level: mustLevel(models.LevelGroup)}
	return group.next(ctx, w)
}

func (n *rootNode) children(ctx context.Context, w *resolveWalk) ([]ResolvedNode, error) {
	groups, err := n.s.containers.FindAll(ctx, models.LevelGroup, bson.M{}, nil, resolverSort, 0)
	if err != nil {
		return nil, err
	}
	return containerNodes(groups, models.LevelGroup), nil
}

// containerNode matches one container of its level beneath the previously
// resolved parent.
type containerNode struct {
	s     *ResolverService
	level *models.Level
}

func (n *containerNode) next(ctx context.Context, w *resolveWalk) (resolverNode, error) {
	seg := w.pop()
	field, value, err := parseCriterion(seg, n.level)
	if err != nil {
		return nil, err
	}

	filter := bson.M{field: value, "deleted": notDeleted}
	if n.level.Name != models.LevelGroup {
		parent := w.lastContainer()
		if parent == nil {
			return nil, validation("no parent container resolved for %s segment %q", n.level.Name, seg)
		}
		filter[parent.ContainerType] = parent.ID
	}

	peeked, _ := w.peek()
	var projection bson.M
	if w.idOnly {
		projection = idOnlyProjection(peeked == "files")
	}

	matches, err := n.s.containers.FindAll(ctx, n.level.Name, filter, projection, resolverSort, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, segmentNotFound(n.level.Name, seg)
	}
	cont := matches[0]
	cont.ContainerType = n.level.Name
	w.push(ResolvedNode{ContainerType: n.level.Name, Container: &cont})

	if peeked == "files" {
		w.pop()
		return &filesNode{parent: &cont}, nil
	}
	// Groups have no analyses; beneath a group the literal is a project label.
	if peeked == "analyses" && n.level.Name != models.LevelGroup {
		w.pop()
		return &analysesNode{s: n.s, parent: &cont}, nil
	}
	if child := n.level.ChildLevel(n.s.includeSubjects); child != "" {
		return &containerNode{s: n.s, level: mustLevel(child)}, nil
	}
	return &leafNode{s: n.s, parent: &cont}, nil
}

// children lists the containers at this node's level beneath the resolved
// parent, then the parent's analyses and active files.
func (n *containerNode) children(ctx context.Context, w *resolveWalk) ([]ResolvedNode, error) {
	parent := w.lastContainer()
	if parent == nil {
		return nil, storage(nil, "no parent container resolved for %s children", n.level.Name)
	}

	conts, err := n.s.containers.FindAll(ctx, n.level.Name,
		bson.M{parent.ContainerType: parent.ID, "deleted": notDeleted}, nil, resolverSort, 0)
	if err != nil {
		return nil, err
	}
	children := containerNodes(conts, n.level.Name)

	if parent.ContainerType != models.LevelGroup {
		analyses, err := n.s.analysesOf(ctx, parent)
		if err != nil {
			return nil, err
		}
		children = append(children, containerNodes(analyses, models.LevelAnalysis)...)
		children = append(children, fileNodes(parent)...)
	}
	return children, nil
}

// analysesNode matches analyses, whose parent reference is a generic
// {type, id} pair rather than a fixed level field.
type analysesNode struct {
	s      *ResolverService
	parent *models.Container
}

func (n *analysesNode) next(ctx context.Context, w *resolveWalk) (resolverNode, error) {
	seg := w.pop()
	level := mustLevel(models.LevelAnalysis)
	field, value, err := parseCriterion(seg, level)
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"parent.type": n.parent.ContainerType,
		"parent.id":   n.parent.ID,
		field:         value,
		"deleted":     notDeleted,
	}
	peeked, _ := w.peek()
	var projection bson.M
	if w.idOnly {
		projection = idOnlyProjection(peeked == "files")
	}

	matches, err := n.s.containers.FindAll(ctx, models.LevelAnalysis, filter, projection, resolverSort, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, segmentNotFound(models.LevelAnalysis, seg)
	}
	analysis := matches[0]
	analysis.ContainerType = models.LevelAnalysis
	w.push(ResolvedNode{ContainerType: models.LevelAnalysis, Container: &analysis})

	if peeked == "files" {
		w.pop()
		return &filesNode{parent: &analysis}, nil
	}
	return &leafNode{s: n.s, parent: &analysis}, nil
}

func (n *analysesNode) children(ctx context.Context, w *resolveWalk) ([]ResolvedNode, error) {
	analyses, err := n.s.analysesOf(ctx, n.parent)
	if err != nil {
		return nil, err
	}
	return containerNodes(analyses, models.LevelAnalysis), nil
}

func (s *ResolverService) analysesOf(ctx context.Context, parent *models.Container) ([]models.Container, error) {
	return s.containers.FindAll(ctx, models.LevelAnalysis,
		bson.M{"parent.type": parent.ContainerType, "parent.id": parent.ID, "deleted": notDeleted},
		nil, resolverSort, 0)
}

// leafNode terminates the walk at a container with no deeper level. Its
// children are the container's analyses and active files; any further
// segment fails with the filename heuristic.
type leafNode struct {
	s      *ResolverService
	parent *models.Container
}

func (n *leafNode) next(ctx context.Context, w *resolveWalk) (resolverNode, error) {
	seg := w.pop()
	err := notFound("%s has no child %q", n.parent.ContainerType, seg)
	if strings.Contains(seg, ".") {
		err.Suggestion = fmt.Sprintf("did you mean files/%s?", seg)
	}
	return nil, err
}

func (n *leafNode) children(ctx context.Context, w *resolveWalk) ([]ResolvedNode, error) {
	analyses, err := n.s.analysesOf(ctx, n.parent)
	if err != nil {
		return nil, err
	}
	children := containerNodes(analyses, models.LevelAnalysis)
	return append(children, fileNodes(n.parent)...), nil
}

// filesNode matches a single active file by exact name.
type filesNode struct {
	parent *models.Container
}

func (n *filesNode) next(ctx context.Context, w *resolveWalk) (resolverNode, error) {
	name := w.pop()
	for _, f := range n.parent.ActiveFiles() {
		if f.Name == name {
			file := f
			file.ContainerType = "file"
			w.push(ResolvedNode{ContainerType: "file", File: &file})
			return nil, nil
		}
	}
	return nil, notFound("no file %q found on %s", name, n.parent.ContainerType)
}

func (n *filesNode) children(ctx context.Context, w *resolveWalk) ([]ResolvedNode, error) {
	return fileNodes(n.parent), nil
}

// gearsNode resolves a gear by name (latest version) or by literal id.
type gearsNode struct {
	s *ResolverService
}

func (n *gearsNode) next(ctx context.Context, w *resolveWalk) (resolverNode, error) {
	seg := w.pop()
	var gear *models.Gear
	var err error
	if raw, escaped, escErr := parseIDEscape(seg); escErr != nil {
		return nil, escErr
	} else if escaped {
		gear, err = n.s.gears.GetGear(ctx, raw)
	} else {
		gear, err = n.s.gears.GetLatestGear(ctx, seg)
	}
	if err != nil {
		return nil, err
	}
	gear.ContainerType = "gear"
	w.push(ResolvedNode{ContainerType: "gear", Gear: gear})
	return &gearVersionNode{s: n.s, gear: gear}, nil
}

func (n *gearsNode) children(ctx context.Context, w *resolveWalk) ([]ResolvedNode, error) {
	gears, err := n.s.gears.ListGears(ctx)
	if err != nil {
		return nil, err
	}
	return gearNodes(gears), nil
}

// gearVersionNode resolves a version string against the already-matched
// gear's name; its children are that gear's other versions.
type gearVersionNode struct {
	s    *ResolverService
	gear *models.Gear
}

func (n *gearVersionNode) next(ctx context.Context, w *resolveWalk) (resolverNode, error) {
	version := w.pop()
	gear, err := n.s.gears.GetGearVersion(ctx, n.gear.Gear.Name, version)
	if err != nil {
		return nil, err
	}
	gear.ContainerType = "gear"
	w.push(ResolvedNode{ContainerType: "gear", Gear: gear})
	return nil, nil
}

func (n *gearVersionNode) children(ctx context.Context, w *resolveWalk) ([]ResolvedNode, error) {
	versions, err := n.s.gears.GetAllGearVersions(ctx, n.gear.Gear.Name)
	if err != nil {
		return nil, err
	}
	var others []models.Gear
	for _, g := range versions {
		if g.ID != n.gear.ID {
			others = append(others, g)
		}
	}
	return gearNodes(others), nil
}

// parseCriterion interprets one path segment for a container level: an
// <id:VALUE> escape matches the literal id, a bare segment matches the
// level's display field. Groups are only ever matched by id.
func parseCriterion(seg string, level *models.Level) (string, interface{}, error) {
	raw, escaped, err := parseIDEscape(seg)
	if err != nil {
		return "", nil, err
	}
	if escaped {
		key, err := level.FormatID(raw)
		if err != nil {
			return "", nil, validation("%v", err)
		}
		return "_id", key, nil
	}
	if level.Name == models.LevelGroup {
		return "_id", seg, nil
	}
	return level.MatchField, seg, nil
}

// parseIDEscape detects the <id:VALUE> escape form.
func parseIDEscape(seg string) (string, bool, error) {
	if !strings.HasPrefix(seg, "<id:") {
		return "", false, nil
	}
	if !strings.HasSuffix(seg, ">") || len(seg) <= len("<id:>") {
		return "", false, validation("malformed id escape %q", seg)
	}
	return seg[len("<id:") : len(seg)-1], true, nil
}

// segmentNotFound builds the per-segment failure, hinting at a forgotten
// files/ prefix when the segment looks like a filename.
func segmentNotFound(levelName, seg string) *Error {
	err := notFound("no %s %s found", levelName, seg)
	if strings.Contains(seg, ".") {
		err.Suggestion = fmt.Sprintf("did you mean files/%s?", seg)
	}
	return err
}

func idOnlyProjection(withFiles bool) bson.M {
	proj := bson.M{"_id": 1, "label": 1, "code": 1, "uid": 1, "created": 1, "permissions": 1}
	if withFiles {
		proj["files"] = 1
	}
	return proj
}

func containerNodes(conts []models.Container, levelName string) []ResolvedNode {
	nodes := make([]ResolvedNode, 0, len(conts))
	for i := range conts {
		conts[i].ContainerType = levelName
		nodes = append(nodes, ResolvedNode{ContainerType: levelName, Container: &conts[i]})
	}
	return nodes
}

// fileNodes lists a container's active files sorted by name.
func fileNodes(parent *models.Container) []ResolvedNode {
	files := parent.ActiveFiles()
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	nodes := make([]ResolvedNode, 0, len(files))
	for i := range files {
		files[i].ContainerType = "file"
		nodes = append(nodes, ResolvedNode{ContainerType: "file", File: &files[i]})
	}
	return nodes
}

func gearNodes(gears []models.Gear) []ResolvedNode {
	nodes := make([]ResolvedNode, 0, len(gears))
	for i := range gears {
		gears[i].ContainerType = "gear"
		nodes = append(nodes, ResolvedNode{ContainerType: "gear", Gear: &gears[i]})
	}
	return nodes
}
