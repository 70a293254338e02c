// Package semantic is the Qdrant vector index. All variants share one
// collection; points carry variant and pid payload fields that every query
// filters on.
package semantic

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/bbiangul/hybrideval/fusion"
	"github.com/bbiangul/hybrideval/index"
)

// DefaultCollection is the collection used when none is given.
const DefaultCollection = "hybrideval_chunks"

// PointsAPI is the subset of pb.PointsClient the store uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// CollectionsAPI is the subset of pb.CollectionsClient the store uses.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	collection  string
	dims        int
}

var _ index.VectorIndex = (*VectorStore)(nil)

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr, collection string, dims int) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dims)
	vs.conn = conn
	return vs, nil
}

// NewWithClients builds a VectorStore over already constructed clients.
func NewWithClients(points PointsAPI, collections CollectionsAPI, collection string, dims int) *VectorStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &VectorStore{points: points, collections: collections, collection: collection, dims: dims}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(v.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// Upsert stores the embedded chunks of variant. Chunks without an embedding
// are skipped; they belong to the keyword index only.
func (v *VectorStore) Upsert(ctx context.Context, variant string, chunks []index.Chunk) error {
	points := make([]*pb.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		if len(c.Embedding) != v.dims {
			return fmt.Errorf("%w: chunk %s has %d, want %d", index.ErrDimensionMismatch, c.ID, len(c.Embedding), v.dims)
		}
		points = append(points, &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: c.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: c.Embedding},
				},
			},
			Payload: map[string]*pb.Value{
				"variant": stringValue(variant),
				"pid":     stringValue(c.PID),
				"content": stringValue(c.Content),
			},
		})
	}
	if len(points) == 0 {
		return nil
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w", len(points), err)
	}
	return nil
}

// DropVariant removes all points of variant.
func (v *VectorStore) DropVariant(ctx context.Context, variant string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{fieldMatch("variant", variant)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete variant %s: %w", variant, err)
	}
	return nil
}

// SearchVectors performs cosine k-NN search within variant, restricted to
// pids when non-empty. A non-positive k returns every matching point; Qdrant
// needs an explicit limit, so the matches are counted first.
func (v *VectorStore) SearchVectors(ctx context.Context, variant string, embedding []float32, pids []string, k int) ([]fusion.SearchHit, error) {
	filter := variantFilter(variant, pids)
	limit := uint64(k)
	if k <= 0 {
		exact := true
		resp, err := v.points.Count(ctx, &pb.CountPoints{CollectionName: v.collection, Filter: filter, Exact: &exact})
		if err != nil {
			return nil, fmt.Errorf("semantic: count: %w", err)
		}
		if limit = resp.GetResult().GetCount(); limit == 0 {
			return nil, nil
		}
	}
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         filter,
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	hits := make([]fusion.SearchHit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		payload := r.GetPayload()
		pid := payload["pid"].GetStringValue()
		score, err := fusion.ParseScore(r.GetScore())
		if err != nil {
			return nil, fmt.Errorf("semantic: pid %s: %w", pid, err)
		}
		hits = append(hits, fusion.SearchHit{
			ChunkID: pid,
			Content: payload["content"].GetStringValue(),
			Score:   score,
		})
	}
	return hits, nil
}

// variantFilter matches variant and, when pids is set, any one of pids.
func variantFilter(variant string, pids []string) *pb.Filter {
	f := &pb.Filter{Must: []*pb.Condition{fieldMatch("variant", variant)}}
	if len(pids) > 0 {
		should := make([]*pb.Condition, len(pids))
		for i, p := range pids {
			should[i] = fieldMatch("pid", p)
		}
		f.Should = should
	}
	return f
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}
