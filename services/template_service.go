package services

import (
	"context"
	"fmt"
	"regexp"

	"labdrive/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// TemplateService evaluates project session templates against sessions and
// their acquisitions. Requirement semantics: scalar values are
// case-insensitive regexes searched against the field value, list fields
// need one matching element, "files" blocks require a minimum count of
// matching non-deleted files.
type TemplateService struct {
	db *mongo.Database
}

func NewTemplateService(db *mongo.Database) *TemplateService {
	return &TemplateService{db: db}
}

// IsCompliant reports whether the session satisfies any of the templates.
func (s *TemplateService) IsCompliant(ctx context.Context, session *models.Container, templates []models.SessionTemplate) (bool, error) {
	doc, err := containerToDoc(session)
	if err != nil {
		return false, err
	}
	for _, tpl := range templates {
		ok, err := s.checkTemplate(ctx, session, doc, tpl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *TemplateService) checkTemplate(ctx context.Context, session *models.Container, doc bson.M, tpl models.SessionTemplate) (bool, error) {
	reqs := bson.M{}
	for k, v := range tpl.Session {
		reqs[k] = v
	}

	// The label requirement may be spelled "label" or "code" and anchors at
	// the start of the session label.
	labelReq := reqs["label"]
	if labelReq == nil {
		labelReq = reqs["code"]
	}
	delete(reqs, "label")
	delete(reqs, "code")
	if labelReq != nil {
		re, err := regexp.Compile("^(?:" + valueString(labelReq) + ")")
		if err != nil {
			return false, validation("invalid template label pattern: %v", err)
		}
		if !re.MatchString(session.Label) {
			return false, nil
		}
	}

	if len(reqs) > 0 && !checkContainerReqs(doc, reqs) {
		return false, nil
	}

	if len(tpl.Acquisitions) > 0 {
		if session.ID == nil {
			// A session that was never persisted has no acquisitions.
			return false, nil
		}
		acquisitions, err := s.sessionAcquisitions(ctx, session.ID)
		if err != nil {
			return false, err
		}
		for _, req := range tpl.Acquisitions {
			minimum, rest := splitMinimum(req)
			count := 0
			for _, acq := range acquisitions {
				if checkContainerReqs(acq, rest) {
					count++
					if count >= minimum {
						break
					}
				}
			}
			if count < minimum {
				return false, nil
			}
		}
	}
	return true, nil
}

func (s *TemplateService) sessionAcquisitions(ctx context.Context, sessionID interface{}) ([]bson.M, error) {
	cursor, err := s.db.Collection("acquisitions").Find(ctx,
		bson.M{"session": sessionID, "deleted": notDeleted})
	if err != nil {
		return nil, storage(err, "failed to list session acquisitions")
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storage(err, "failed to decode acquisitions")
	}
	return docs, nil
}

// checkContainerReqs reports whether the container document satisfies every
// requirement; any unmet requirement fails the whole block.
func checkContainerReqs(doc bson.M, reqs bson.M) bool {
	for key, req := range reqs {
		if key == "files" {
			fileReqs, ok := toDocList(req)
			if !ok {
				return false
			}
			for _, fr := range fileReqs {
				minimum, rest := splitMinimum(fr)
				count := 0
				for _, f := range activeFileDocs(doc) {
					if checkContainerReqs(f, rest) {
						count++
						if count >= minimum {
							break
						}
					}
				}
				if count < minimum {
					return false
				}
			}
			continue
		}
		if !checkFieldReq(doc, key, req) {
			return false
		}
	}
	return true
}

func checkFieldReq(doc bson.M, key string, req interface{}) bool {
	var value interface{}
	if key == "classification" {
		// Classification maps categories to value lists; flatten for
		// matching.
		var flat []interface{}
		if m, ok := doc["classification"].(bson.M); ok {
			for _, vals := range m {
				if list, ok := toList(vals); ok {
					flat = append(flat, list...)
				}
			}
		}
		value = flat
		if len(flat) == 0 {
			return false
		}
	} else {
		value = doc[key]
	}
	if value == nil || valueString(value) == "" {
		return false
	}

	// Nested requirement blocks recurse into the sub-document.
	if nested, ok := toDoc(req); ok {
		sub, ok := toDoc(value)
		if !ok {
			return false
		}
		for k, v := range nested {
			if !checkFieldReq(sub, k, v) {
				return false
			}
		}
		return true
	}

	re, err := regexp.Compile("(?i)" + valueString(req))
	if err != nil {
		return false
	}
	if list, ok := toList(value); ok {
		for _, item := range list {
			if re.MatchString(valueString(item)) {
				return true
			}
		}
		return false
	}
	return re.MatchString(valueString(value))
}

func activeFileDocs(doc bson.M) []bson.M {
	files, ok := toDocList(doc["files"])
	if !ok {
		return nil
	}
	var active []bson.M
	for _, f := range files {
		if _, deleted := f["deleted"]; !deleted {
			active = append(active, f)
		}
	}
	return active
}

// splitMinimum pops the "minimum" count off a requirement block, leaving the
// block itself untouched for later templates.
func splitMinimum(req bson.M) (int, bson.M) {
	minimum := 1
	rest := bson.M{}
	for k, v := range req {
		if k == "minimum" {
			minimum = toInt(v)
			continue
		}
		rest[k] = v
	}
	return minimum, rest
}

func containerToDoc(cont *models.Container) (bson.M, error) {
	raw, err := bson.Marshal(cont)
	if err != nil {
		return nil, storage(err, "failed to encode container for template check")
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, storage(err, "failed to decode container for template check")
	}
	return doc, nil
}

func toDoc(v interface{}) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return bson.M(m), true
	}
	return nil, false
}

func toList(v interface{}) ([]interface{}, bool) {
	switch list := v.(type) {
	case []interface{}:
		return list, true
	case bson.A:
		return list, true
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func toDocList(v interface{}) ([]bson.M, bool) {
	if docs, ok := v.([]bson.M); ok {
		return docs, true
	}
	list, ok := toList(v)
	if !ok {
		return nil, false
	}
	docs := make([]bson.M, 0, len(list))
	for _, item := range list {
		doc, ok := toDoc(item)
		if !ok {
			return nil, false
		}
		docs = append(docs, doc)
	}
	return docs, true
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 1
}

func valueString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
