package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookbot/internal/database/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	postCollectionName    = "posts"
	counterCollectionName = "counters"
	postCounterID         = "posts"
)

// MongoPostRepository implements PostRepository for MongoDB.
// Post ids are integers drawn from a counter document so they match the SQL adapters.
type MongoPostRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
	counters   *mongo.Collection
}

// NewMongoPostRepository creates a repository on db. client is disconnected by Close and may be nil.
func NewMongoPostRepository(client *mongo.Client, db *mongo.Database) *MongoPostRepository {
	return &MongoPostRepository{
		client:     client,
		collection: db.Collection(postCollectionName),
		counters:   db.Collection(counterCollectionName),
	}
}

// Migrate ensures indexes and folds the legacy channel_message_id field into channel_message_ids.
func (r *MongoPostRepository) Migrate(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}

	filter := bson.M{
		"channel_message_id": bson.M{"$gt": 0},
		"$or": bson.A{
			bson.M{"channel_message_ids": bson.M{"$exists": false}},
			bson.M{"channel_message_ids": nil},
			bson.M{"channel_message_ids": bson.M{"$size": 0}},
		},
	}
	fold := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "channel_message_ids", Value: bson.A{"$channel_message_id"}}}}},
	}
	if _, err := r.collection.UpdateMany(ctx, filter, fold); err != nil {
		return fmt.Errorf("failed to fold channel_message_id: %w", err)
	}

	unset := bson.M{"$unset": bson.M{"channel_message_id": ""}}
	if _, err := r.collection.UpdateMany(ctx, bson.M{"channel_message_id": bson.M{"$exists": true}}, unset); err != nil {
		return fmt.Errorf("failed to drop channel_message_id: %w", err)
	}
	return nil
}

func (r *MongoPostRepository) nextID(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": postCounterID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate post id: %w", err)
	}
	return counter.Seq, nil
}

// CreatePost inserts post and sets its ID.
func (r *MongoPostRepository) CreatePost(ctx context.Context, post *models.Post) error {
	id, err := r.nextID(ctx)
	if err != nil {
		return err
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now()
	}
	// BSON dates carry millisecond precision.
	post.CreatedAt = post.CreatedAt.UTC().Truncate(time.Millisecond)
	post.ID = id
	if post.FileIDs == nil {
		post.FileIDs = []string{}
	}
	if post.ChannelMessageIDs == nil {
		post.ChannelMessageIDs = []int{}
	}

	if _, err := r.collection.InsertOne(ctx, post); err != nil {
		return fmt.Errorf("failed to insert post: %w", err)
	}
	return nil
}

// GetPost retrieves a single post by id.
func (r *MongoPostRepository) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	var post models.Post
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&post)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrPostNotFound
		}
		return nil, fmt.Errorf("failed to find post %d: %w", id, err)
	}
	normalizeMongoPost(&post)
	return &post, nil
}

// SetPublishedIDs replaces the post's live channel message ids.
func (r *MongoPostRepository) SetPublishedIDs(ctx context.Context, id int64, channelMessageIDs []int) error {
	if channelMessageIDs == nil {
		channelMessageIDs = []int{}
	}
	update := bson.M{"$set": bson.M{"channel_message_ids": channelMessageIDs}}
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update channel ids for post %d: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrPostNotFound
	}
	return nil
}

// RecordRepublish stores the new channel ids and bumps the repost bookkeeping.
func (r *MongoPostRepository) RecordRepublish(ctx context.Context, id int64, channelMessageIDs []int, at time.Time) error {
	update := bson.M{
		"$set": bson.M{
			"channel_message_ids": channelMessageIDs,
			"last_repost":         at.UTC(),
		},
		"$inc": bson.M{"repost_count": 1},
	}
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to record repost for post %d: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrPostNotFound
	}
	return nil
}

func mongoDueFilter(cutoff time.Time) bson.M {
	c := cutoff.UTC()
	return bson.M{
		"created_at": bson.M{"$lte": c},
		"$or": bson.A{
			bson.M{"last_repost": nil},
			bson.M{"last_repost": bson.M{"$lte": c}},
		},
	}
}

// ListDue returns posts due for reposting, oldest first.
func (r *MongoPostRepository) ListDue(ctx context.Context, cutoff time.Time) ([]models.Post, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return r.find(ctx, mongoDueFilter(cutoff), opts)
}

// CountDue counts posts due for reposting.
func (r *MongoPostRepository) CountDue(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := r.collection.CountDocuments(ctx, mongoDueFilter(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to count due posts: %w", err)
	}
	return n, nil
}

// CountPosts counts all posts.
func (r *MongoPostRepository) CountPosts(ctx context.Context) (int64, error) {
	n, err := r.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count posts: %w", err)
	}
	return n, nil
}

// ListPosts returns up to limit posts, newest first.
func (r *MongoPostRepository) ListPosts(ctx context.Context, limit int) ([]models.Post, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	return r.find(ctx, bson.M{}, opts)
}

// DeletePost removes a post record.
func (r *MongoPostRepository) DeletePost(ctx context.Context, id int64) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete post %d: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return ErrPostNotFound
	}
	return nil
}

// Close disconnects the client if the repository owns one.
func (r *MongoPostRepository) Close(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	return r.client.Disconnect(ctx)
}

func (r *MongoPostRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Post, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer cursor.Close(ctx)

	var posts []models.Post
	if err := cursor.All(ctx, &posts); err != nil {
		return nil, fmt.Errorf("failed to decode posts: %w", err)
	}
	for i := range posts {
		normalizeMongoPost(&posts[i])
	}
	return posts, nil
}

func normalizeMongoPost(p *models.Post) {
	p.CreatedAt = p.CreatedAt.UTC()
	if p.LastRepost != nil {
		t := p.LastRepost.UTC()
		p.LastRepost = &t
	}
	if len(p.FileIDs) == 0 {
		p.FileIDs = nil
	}
	if len(p.ChannelMessageIDs) == 0 {
		p.ChannelMessageIDs = nil
	}
}
