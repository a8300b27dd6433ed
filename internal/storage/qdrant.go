/**
 * Qdrant Vector Database Client for DocAgent Worker
 *
 * Indexes ordered-text entries so a later question can retrieve the most
 * relevant lines of previously processed pages. Uses Qdrant's gRPC API.
 */

package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantClient handles vector database operations
type QdrantClient struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
	dimensions       int
}

// VectorPoint represents a vector with metadata
type VectorPoint struct {
	ID       string
	Vector   []float32
	Metadata map[string]interface{}
	Score    float32
}

// NewQdrantClient creates a new Qdrant client and ensures the collection exists
func NewQdrantClient(address string, collectionName string, dimensions int) (*QdrantClient, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}

	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}

	if dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be positive, got %d", dimensions)
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	qc := &QdrantClient{
		client:           qdrant.NewPointsClient(conn),
		collectionClient: qdrant.NewCollectionsClient(conn),
		conn:             conn,
		collectionName:   collectionName,
		dimensions:       dimensions,
	}

	if err := qc.ensureCollection(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	return qc, nil
}

// ensureCollection creates the collection if it doesn't exist
func (q *QdrantClient) ensureCollection(ctx context.Context) error {
	listResp, err := q.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, col := range listResp.Collections {
		if col.Name == q.collectionName {
			return nil
		}
	}

	_, err = q.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: q.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(q.dimensions),
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// UpsertVectors stores or updates vector points. Missing IDs are generated in place.
func (q *QdrantClient) UpsertVectors(ctx context.Context, points []*VectorPoint) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, point := range points {
		if len(point.Vector) != q.dimensions {
			return fmt.Errorf("invalid vector dimensions: expected %d, got %d", q.dimensions, len(point.Vector))
		}
		if point.ID == "" {
			point.ID = uuid.New().String()
		}
		structs = append(structs, &qdrant.PointStruct{
			Id: pointID(point.ID),
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: point.Vector},
				},
			},
			Payload: toPayload(point.Metadata),
		})
	}

	wait := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}

	return nil
}

// SearchVectors performs similarity search. Keyword filters must all match;
// results scoring below minScore are dropped by Qdrant.
func (q *QdrantClient) SearchVectors(ctx context.Context, queryVector []float32, limit int, minScore float32, filters map[string]string) ([]*VectorPoint, error) {
	if len(queryVector) != q.dimensions {
		return nil, fmt.Errorf("invalid query vector dimensions: expected %d, got %d", q.dimensions, len(queryVector))
	}

	if limit <= 0 {
		limit = 10
	}

	searchReq := &qdrant.SearchPoints{
		CollectionName: q.collectionName,
		Vector:         queryVector,
		Limit:          uint64(limit),
		Filter:         keywordFilter(filters),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{
				Enable: true,
			},
		},
	}
	if minScore > 0 {
		searchReq.ScoreThreshold = &minScore
	}

	results, err := q.client.Search(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	points := make([]*VectorPoint, 0, len(results.Result))
	for _, result := range results.Result {
		id := ""
		if result.Id != nil {
			id = result.Id.GetUuid()
		}
		points = append(points, &VectorPoint{
			ID:       id,
			Metadata: fromPayload(result.Payload),
			Score:    result.Score,
		})
	}

	return points, nil
}

// DeleteVectors removes points by ID
func (q *QdrantClient) DeleteVectors(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}

	return nil
}

// GetCollectionInfo returns collection statistics
func (q *QdrantClient) GetCollectionInfo(ctx context.Context) (map[string]interface{}, error) {
	info, err := q.collectionClient.Get(ctx, &qdrant.GetCollectionInfoRequest{
		CollectionName: q.collectionName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get collection info: %w", err)
	}

	return map[string]interface{}{
		"collection_name": q.collectionName,
		"dimensions":      q.dimensions,
		"vectors_count":   info.Result.GetVectorsCount(),
		"points_count":    info.Result.GetPointsCount(),
		"indexed_vectors": info.Result.GetIndexedVectorsCount(),
		"status":          info.Result.GetStatus().String(),
	}, nil
}

// Close closes the Qdrant client connection
func (q *QdrantClient) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func pointID(id string) *qdrant.PointId {
	return &qdrant.PointId{
		PointIdOptions: &qdrant.PointId_Uuid{Uuid: id},
	}
}

func keywordFilter(filters map[string]string) *qdrant.Filter {
	if len(filters) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(filters))
	for key, value := range filters {
		must = append(must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: value},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: must}
}

// toPayload converts metadata to Qdrant values; unknown types become strings
func toPayload(metadata map[string]interface{}) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(metadata))
	for k, v := range metadata {
		switch val := v.(type) {
		case string:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
		case int:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
		case int64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
		case float64:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
		case bool:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
		default:
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
		}
	}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	metadata := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			metadata[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			metadata[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			metadata[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			metadata[k] = val.BoolValue
		}
	}
	return metadata
}
